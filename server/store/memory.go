package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps all state in process memory. It backs tests and
// dev-mode runs where no database is configured. A single mutex
// serializes heartbeat application, which trivially satisfies the
// per-machine atomicity contract.
type MemoryStore struct {
	mu sync.RWMutex

	machines map[int64]*Machine
	byMAC    map[string]int64

	heartbeats map[int64][]*Heartbeat
	hbSeen     map[int64]map[int64]struct{} // machine id -> unix nanos seen

	tokens map[string]*AgentToken // keyed by hash

	commands map[int64]*MachineCommand

	users map[string]*User

	nextMachineID int64
	nextHBID      int64
	nextTokenID   int64
	nextCmdID     int64
	nextUserID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		machines:   make(map[int64]*Machine),
		byMAC:      make(map[string]int64),
		heartbeats: make(map[int64][]*Heartbeat),
		hbSeen:     make(map[int64]map[int64]struct{}),
		tokens:     make(map[string]*AgentToken),
		commands:   make(map[int64]*MachineCommand),
		users:      make(map[string]*User),
	}
}

func copyMachine(m *Machine) *Machine {
	c := *m
	if m.LastSeen != nil {
		t := *m.LastSeen
		c.LastSeen = &t
	}
	return &c
}

func copyCommand(c *MachineCommand) *MachineCommand {
	cp := *c
	if c.ExecutedAt != nil {
		t := *c.ExecutedAt
		cp.ExecutedAt = &t
	}
	return &cp
}

func (s *MemoryStore) EnsureMachine(ctx context.Context, mac, hostname, osType, osVersion string) (*Machine, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if id, ok := s.byMAC[mac]; ok {
		m := s.machines[id]
		m.Hostname = hostname
		m.OSType = osType
		m.OSVersion = osVersion
		m.UpdatedAt = now
		return copyMachine(m), false, nil
	}

	s.nextMachineID++
	m := &Machine{
		ID:         s.nextMachineID,
		MACAddress: mac,
		Hostname:   hostname,
		OSType:     osType,
		OSVersion:  osVersion,
		Status:     StatusOffline,
		FirstSeen:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.machines[m.ID] = m
	s.byMAC[mac] = m.ID
	return copyMachine(m), true, nil
}

func (s *MemoryStore) GetMachine(ctx context.Context, id int64) (*Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, nil
	}
	return copyMachine(m), nil
}

func (s *MemoryStore) GetMachineByMAC(ctx context.Context, mac string) (*Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byMAC[mac]
	if !ok {
		return nil, nil
	}
	return copyMachine(s.machines[id]), nil
}

func (s *MemoryStore) ListMachines(ctx context.Context, status, search string) ([]*Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(search)
	var machines []*Machine
	for _, m := range s.machines {
		if status != "" && m.Status != status {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(m.Hostname), needle) &&
			!strings.Contains(strings.ToLower(m.MACAddress), needle) &&
			!strings.Contains(strings.ToLower(m.OSType), needle) {
			continue
		}
		machines = append(machines, copyMachine(m))
	}
	sort.Slice(machines, func(i, j int) bool {
		if machines[i].Hostname != machines[j].Hostname {
			return machines[i].Hostname < machines[j].Hostname
		}
		return machines[i].ID < machines[j].ID
	})
	return machines, nil
}

func (s *MemoryStore) DeleteMachine(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[id]
	if !ok {
		return false, nil
	}
	delete(s.machines, id)
	delete(s.byMAC, m.MACAddress)
	delete(s.heartbeats, id)
	delete(s.hbSeen, id)
	for hash, t := range s.tokens {
		if t.MachineID == id {
			delete(s.tokens, hash)
		}
	}
	for cid, c := range s.commands {
		if c.MachineID == id {
			delete(s.commands, cid)
		}
	}
	return true, nil
}

func (s *MemoryStore) ApplyHeartbeat(ctx context.Context, machineID int64, hb *Heartbeat, fn ApplyFunc) (*HeartbeatResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[machineID]
	if !ok {
		return nil, ErrNotFound
	}

	key := hb.Timestamp.UTC().UnixNano()
	seen := s.hbSeen[machineID]
	if seen == nil {
		seen = make(map[int64]struct{})
		s.hbSeen[machineID] = seen
	}
	if _, dup := seen[key]; dup {
		return &HeartbeatResult{Applied: false, PrevStatus: m.Status, NewStatus: m.Status}, nil
	}

	delta, err := fn(copyMachine(m))
	if err != nil {
		return nil, err
	}

	seen[key] = struct{}{}
	s.nextHBID++
	rec := &Heartbeat{
		ID:          s.nextHBID,
		MachineID:   machineID,
		Timestamp:   hb.Timestamp.UTC(),
		IdleSeconds: hb.IdleSeconds,
		CPUUsage:    hb.CPUUsage,
		MemoryUsage: hb.MemoryUsage,
		IsIdle:      hb.IsIdle,
		CreatedAt:   time.Now().UTC(),
	}
	s.heartbeats[machineID] = append(s.heartbeats[machineID], rec)

	prev := m.Status
	m.TotalIdleSeconds += delta.IdleSeconds
	m.TotalActiveSeconds += delta.ActiveSeconds
	m.EnergyWastedKWH += delta.EnergyKWH
	m.UptimeSeconds = delta.UptimeSeconds
	seenAt := delta.SeenAt.UTC()
	m.LastSeen = &seenAt
	m.Status = delta.Status
	m.UpdatedAt = time.Now().UTC()

	return &HeartbeatResult{Applied: true, PrevStatus: prev, NewStatus: m.Status}, nil
}

func (s *MemoryStore) ListHeartbeats(ctx context.Context, machineID int64, since time.Time, limit int) ([]*Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var beats []*Heartbeat
	for _, hb := range s.heartbeats[machineID] {
		if hb.Timestamp.Before(since) {
			continue
		}
		c := *hb
		beats = append(beats, &c)
	}
	sort.Slice(beats, func(i, j int) bool { return beats[i].Timestamp.After(beats[j].Timestamp) })
	if limit > 0 && len(beats) > limit {
		beats = beats[:limit]
	}
	return beats, nil
}

func (s *MemoryStore) PruneHeartbeats(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for id, beats := range s.heartbeats {
		kept := beats[:0]
		for _, hb := range beats {
			if hb.Timestamp.Before(cutoff) {
				pruned++
				delete(s.hbSeen[id], hb.Timestamp.UnixNano())
				continue
			}
			kept = append(kept, hb)
		}
		s.heartbeats[id] = kept
	}
	return pruned, nil
}

func (s *MemoryStore) MarkSilentOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var marked int64
	now := time.Now().UTC()
	for _, m := range s.machines {
		if m.Status == StatusOffline {
			continue
		}
		if m.LastSeen == nil || m.LastSeen.Before(cutoff) {
			m.Status = StatusOffline
			m.UpdatedAt = now
			marked++
		}
	}
	return marked, nil
}

func (s *MemoryStore) RotateAgentToken(ctx context.Context, machineID int64, tokenHash string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.MachineID == machineID {
			t.Revoked = true
		}
	}
	s.nextTokenID++
	s.tokens[tokenHash] = &AgentToken{
		ID:        s.nextTokenID,
		MachineID: machineID,
		TokenHash: tokenHash,
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	return nil
}

func (s *MemoryStore) FindAgentToken(ctx context.Context, tokenHash string) (*AgentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[tokenHash]
	if !ok {
		return nil, nil
	}
	c := *t
	return &c, nil
}

func (s *MemoryStore) CreateCommand(ctx context.Context, cmd *MachineCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCmdID++
	cmd.ID = s.nextCmdID
	cmd.CreatedAt = time.Now().UTC()
	s.commands[cmd.ID] = copyCommand(cmd)
	return nil
}

func (s *MemoryStore) GetCommand(ctx context.Context, id int64) (*MachineCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[id]
	if !ok {
		return nil, nil
	}
	return copyCommand(c), nil
}

func (s *MemoryStore) PendingCommands(ctx context.Context, machineID int64) ([]*MachineCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cmds []*MachineCommand
	for _, c := range s.commands {
		if c.MachineID == machineID && c.Status == CommandPending {
			cmds = append(cmds, copyCommand(c))
		}
	}
	sort.Slice(cmds, func(i, j int) bool {
		if !cmds[i].CreatedAt.Equal(cmds[j].CreatedAt) {
			return cmds[i].CreatedAt.Before(cmds[j].CreatedAt)
		}
		return cmds[i].ID < cmds[j].ID
	})
	return cmds, nil
}

func (s *MemoryStore) CompleteCommand(ctx context.Context, commandID, machineID int64, status string, executedAt time.Time, resultMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[commandID]
	if !ok || c.MachineID != machineID || c.Status != CommandPending {
		return 0, nil
	}
	c.Status = status
	t := executedAt.UTC()
	c.ExecutedAt = &t
	c.ResultMsg = resultMsg
	return 1, nil
}

func (s *MemoryStore) ExpireCommands(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int64
	for _, c := range s.commands {
		if c.Status == CommandPending && c.CreatedAt.Before(cutoff) {
			c.Status = CommandExpired
			expired++
		}
	}
	return expired, nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[username]; ok {
		c := *u
		return &c, nil
	}
	s.nextUserID++
	u := &User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[username] = u
	c := *u
	return &c, nil
}

func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.ID == userID {
			u.PasswordHash = passwordHash
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) FleetStats(ctx context.Context) (*StatsAgg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var agg StatsAgg
	for _, m := range s.machines {
		agg.TotalMachines++
		switch m.Status {
		case StatusOnline:
			agg.Online++
		case StatusIdle:
			agg.Idle++
		case StatusOffline:
			agg.Offline++
		}
		agg.TotalIdleSeconds += m.TotalIdleSeconds
		agg.TotalActiveSeconds += m.TotalActiveSeconds
		agg.EnergyWastedKWH += m.EnergyWastedKWH
	}
	return &agg, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}
