package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"energy-monitor/internal/domain"
)

// MemoryRepository 内存实现（DB 关闭时使用，也作为测试替身），实现全部仓库接口
type MemoryRepository struct {
	mu sync.RWMutex

	users     map[int64]domain.User
	gateways  map[int64]domain.Gateway
	devices   map[int64]domain.Device
	registers map[int64]domain.Register
	readings  []domain.Reading
	alerts    map[int64]domain.Alert

	userGateways map[int64][]int64
	userDevices  map[int64][]int64

	nextID int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:        map[int64]domain.User{},
		gateways:     map[int64]domain.Gateway{},
		devices:      map[int64]domain.Device{},
		registers:    map[int64]domain.Register{},
		alerts:       map[int64]domain.Alert{},
		userGateways: map[int64][]int64{},
		userDevices:  map[int64][]int64{},
	}
}

// Set 以同一个内存实例填充所有仓库
func (m *MemoryRepository) Set() Set {
	return Set{
		Users:       m,
		Gateways:    m,
		Devices:     m,
		Registers:   m,
		Readings:    m,
		Alerts:      m,
		Assignments: m,
	}
}

func (m *MemoryRepository) id(v int64) int64 {
	if v != 0 {
		if v > m.nextID {
			m.nextID = v
		}
		return v
	}
	m.nextID++
	return m.nextID
}

// --- seeding ---

func (m *MemoryRepository) AddUser(u domain.User) domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = m.id(u.ID)
	m.users[u.ID] = u
	return u
}

func (m *MemoryRepository) AddGateway(g domain.Gateway) domain.Gateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = m.id(g.ID)
	if g.CommunicationStatus == "" {
		g.CommunicationStatus = domain.CommUnknown
	}
	m.gateways[g.ID] = g
	return g
}

func (m *MemoryRepository) AddDevice(d domain.Device) domain.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = m.id(d.ID)
	m.devices[d.ID] = d
	return d
}

func (m *MemoryRepository) AddRegister(r domain.Register) domain.Register {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.id(r.ID)
	m.registers[r.ID] = r
	return r
}

// AddReading 追加读数；ParameterName/Unit 为空时从寄存器补全
func (m *MemoryRepository) AddReading(r domain.Reading) domain.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addReadingLocked(r)
}

func (m *MemoryRepository) addReadingLocked(r domain.Reading) domain.Reading {
	r.ID = m.id(r.ID)
	if reg, ok := m.registers[r.RegisterID]; ok {
		if r.ParameterName == "" {
			r.ParameterName = reg.ParameterName
		}
		if r.Unit == "" {
			r.Unit = reg.Unit
		}
	}
	m.readings = append(m.readings, r)
	return r
}

func (m *MemoryRepository) AddAlert(a domain.Alert) domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id(a.ID)
	m.alerts[a.ID] = a
	return a
}

func (m *MemoryRepository) AssignGateway(userID, gatewayID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userGateways[userID] = appendUnique(m.userGateways[userID], gatewayID)
}

func (m *MemoryRepository) AssignDevice(userID, deviceID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userDevices[userID] = appendUnique(m.userDevices[userID], deviceID)
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// --- UserRepository ---

func (m *MemoryRepository) GetUser(_ context.Context, id int64) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, notFound("repository.GetUser")
	}
	return &u, nil
}

func (m *MemoryRepository) ListAdmins(_ context.Context) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.User{}
	for _, u := range m.users {
		if u.IsAdmin() {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- GatewayRepository ---

func (m *MemoryRepository) ListGateways(_ context.Context) ([]domain.Gateway, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Gateway, 0, len(m.gateways))
	for _, g := range m.gateways {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) GetGatewaysByIDs(ctx context.Context, ids []int64) ([]domain.Gateway, error) {
	all, _ := m.ListGateways(ctx)
	out := []domain.Gateway{}
	for _, g := range all {
		if containsID(ids, g.ID) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetGateway(_ context.Context, id int64) (*domain.Gateway, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gateways[id]
	if !ok {
		return nil, notFound("repository.GetGateway")
	}
	return &g, nil
}

func (m *MemoryRepository) UpdateGatewayTelemetry(_ context.Context, id int64, t domain.GatewayTelemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gateways[id]
	if !ok {
		return notFound("repository.UpdateGatewayTelemetry")
	}
	t.Apply(&g)
	m.gateways[id] = g
	return nil
}

// --- DeviceRepository ---

func (m *MemoryRepository) ListDevices(_ context.Context) ([]domain.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) GetDevicesByIDs(ctx context.Context, ids []int64) ([]domain.Device, error) {
	all, _ := m.ListDevices(ctx)
	out := []domain.Device{}
	for _, d := range all {
		if containsID(ids, d.ID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryRepository) ListDevicesByGateways(ctx context.Context, gatewayIDs []int64) ([]domain.Device, error) {
	all, _ := m.ListDevices(ctx)
	out := []domain.Device{}
	for _, d := range all {
		if containsID(gatewayIDs, d.GatewayID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetDevice(_ context.Context, id int64) (*domain.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, notFound("repository.GetDevice")
	}
	return &d, nil
}

// --- RegisterRepository ---

func (m *MemoryRepository) FindRegister(_ context.Context, deviceID int64, parameter string) (*domain.Register, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.registers {
		if r.DeviceID == deviceID && r.ParameterName == parameter {
			reg := r
			return &reg, nil
		}
	}
	return nil, notFound("repository.FindRegister")
}

// --- ReadingRepository ---

func (m *MemoryRepository) ListReadings(_ context.Context, f ReadingFilter) ([]domain.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	like := strings.ToLower(f.ParameterLike)
	out := []domain.Reading{}
	for _, r := range m.readings {
		if f.DeviceIDs != nil && !containsID(f.DeviceIDs, r.DeviceID) {
			continue
		}
		if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
			continue
		}
		if like != "" && !strings.Contains(strings.ToLower(r.ParameterName), like) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if f.Desc {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) LatestReadingTimes(_ context.Context, deviceIDs []int64) (map[int64]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[int64]time.Time{}
	for _, r := range m.readings {
		if !containsID(deviceIDs, r.DeviceID) {
			continue
		}
		if cur, ok := out[r.DeviceID]; !ok || r.Timestamp.After(cur) {
			out[r.DeviceID] = r.Timestamp
		}
	}
	return out, nil
}

func (m *MemoryRepository) LatestReadings(_ context.Context, deviceIDs []int64, parameterLike string) (map[int64]domain.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	like := strings.ToLower(parameterLike)
	out := map[int64]domain.Reading{}
	for _, r := range m.readings {
		if !containsID(deviceIDs, r.DeviceID) || !strings.Contains(strings.ToLower(r.ParameterName), like) {
			continue
		}
		if cur, ok := out[r.DeviceID]; !ok || r.Timestamp.After(cur.Timestamp) {
			out[r.DeviceID] = r
		}
	}
	return out, nil
}

func (m *MemoryRepository) InsertReading(_ context.Context, r *domain.Reading) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.addReadingLocked(*r)
	r.ID = stored.ID
	return stored.ID, nil
}

// --- AlertRepository ---

func (m *MemoryRepository) ListAlerts(_ context.Context, f AlertFilter) ([]domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []domain.Alert{}
	for _, a := range m.alerts {
		if f.DeviceIDs != nil && !containsID(f.DeviceIDs, a.DeviceID) {
			continue
		}
		if len(f.Severities) > 0 && !containsString(f.Severities, a.Severity) {
			continue
		}
		if f.Resolved != nil && a.Resolved != *f.Resolved {
			continue
		}
		if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && a.Timestamp.After(f.Until) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) GetAlert(_ context.Context, id int64) (*domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, notFound("repository.GetAlert")
	}
	return &a, nil
}

func (m *MemoryRepository) CreateAlert(_ context.Context, a *domain.Alert) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id(0)
	a.Resolved = false
	m.alerts[a.ID] = *a
	return a.ID, nil
}

func (m *MemoryRepository) ResolveAlert(_ context.Context, id, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return notFound("repository.ResolveAlert")
	}
	a.Resolved = true
	a.ResolvedBy = &userID
	a.ResolvedAt = &at
	m.alerts[id] = a
	return nil
}

// --- AssignmentRepository ---

func (m *MemoryRepository) AssignedGatewayIDs(_ context.Context, userID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64{}, m.userGateways[userID]...), nil
}

func (m *MemoryRepository) AssignedDeviceIDs(_ context.Context, userID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64{}, m.userDevices[userID]...), nil
}

func (m *MemoryRepository) ReplaceAssignments(_ context.Context, userID int64, gatewayIDs, deviceIDs []int64, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userGateways[userID] = append([]int64{}, gatewayIDs...)
	m.userDevices[userID] = append([]int64{}, deviceIDs...)
	return nil
}
