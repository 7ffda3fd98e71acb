package matrix

import "lcdmatrix/internal/model"

// SlotStatus is a point-in-time view of one slot.
type SlotStatus struct {
	Index    int             `json:"index"`
	Present  bool            `json:"present"`
	Address  string          `json:"address,omitempty"`
	Position *model.Position `json:"position,omitempty"`
	Powered  bool            `json:"powered"`
	Locked   bool            `json:"locked"`
	Pinned   bool            `json:"pinned"`
	ID       *string         `json:"id,omitempty"`
	Content  [2]string       `json:"content"`
	Rendered [2]string       `json:"rendered"`
}

// Snapshot describes every slot, holes included.
func (m *Matrix) Snapshot() []SlotStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SlotStatus, len(m.slots))
	for i, u := range m.slots {
		out[i].Index = i
		if u == nil {
			continue
		}
		st := &out[i]
		st.Present = true
		st.Address = u.Address().String()
		if p, ok := u.Position(); ok {
			st.Position = &p
		}
		st.Powered = u.Powered()
		st.Locked = u.Locked()
		st.Pinned = u.Pinned()
		if id, ok := u.ID(); ok {
			st.ID = &id
		}
		st.Content = u.Content()
		st.Rendered = u.Rendered()
	}
	return out
}
