package failure

import "strings"

// keywordRules 按顺序匹配，先命中者生效
var keywordRules = []struct {
	kind     Kind
	keywords []string
}{
	{KindTimeout, []string{"timed out", "timeout", "deadline exceeded"}},
	{KindConnectionRefused, []string{"refused", "unreachable"}},
	{KindAuthentication, []string{"unauthorized", "authentication"}},
	{KindAuthorization, []string{"permission", "forbidden"}},
	{KindHardware, []string{"hardware", "module offline", "not responding"}},
	{KindNotFound, []string{"not found", "404"}},
	{KindInvalidResponse, []string{"invalid response", "malformed"}},
	{KindValidation, []string{"invalid", "validation"}},
	{KindDatabase, []string{"database", "sql", "query"}},
	{KindNetwork, []string{"network", "connection"}},
}

// Classify 关键字启发式分类，仅用于无类型的上游错误。
// 关键字本身存在歧义（如 "connection timed out" 同时包含 network 与 timeout），以规则顺序为准。
func Classify(message string) Kind {
	msg := strings.ToLower(message)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}
