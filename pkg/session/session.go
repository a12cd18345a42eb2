package session

import (
	"context"
	"time"

	"github.com/harun/tabula/pkg/dataset"
)

// Session is one loaded dataset plus the metadata derived from it.
type Session struct {
	ID               string
	Name             string
	Data             *dataset.Frame
	Dtypes           []dataset.Dtype
	Settings         map[string]any
	History          []string
	ContextVariables map[string]any
	Metadata         map[string]any
	Dataset          *dataset.Frame
	DatasetDim       map[string]any
	Large            bool
	Created          time.Time

	source DataSource
}

// New returns an empty session for id.
func New(id string) *Session {
	s := &Session{
		ID:      id,
		Created: time.Now().UTC(),
	}
	s.normalize()
	return s
}

// normalize replaces nil collections with empty ones so that sessions read
// back from a byte-oriented adapter compare equal to freshly built ones.
func (s *Session) normalize() {
	if s.Dtypes == nil {
		s.Dtypes = []dataset.Dtype{}
	}
	if s.Settings == nil {
		s.Settings = map[string]any{}
	}
	if s.History == nil {
		s.History = []string{}
	}
	if s.ContextVariables == nil {
		s.ContextVariables = map[string]any{}
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	if s.DatasetDim == nil {
		s.DatasetDim = map[string]any{}
	}
}

// Clone copies the session. Collections are copied one level deep; payload
// frames are shared since callers replace them wholesale.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Dtypes = append([]dataset.Dtype{}, s.Dtypes...)
	c.Settings = copyMap(s.Settings)
	c.History = append([]string{}, s.History...)
	c.ContextVariables = copyMap(s.ContextVariables)
	c.Metadata = copyMap(s.Metadata)
	c.DatasetDim = copyMap(s.DatasetDim)
	return &c
}

// Bind attaches an external data source. A nil source detaches.
func (s *Session) Bind(src DataSource) {
	s.source = src
}

// Source returns the bound data source, if any.
func (s *Session) Source() DataSource {
	return s.source
}

// LoadData returns the session payload, reading through the bound source
// when the payload lives outside the adapter.
func (s *Session) LoadData(ctx context.Context) (*dataset.Frame, error) {
	if s.source != nil {
		return s.source.Read(ctx)
	}
	return s.Data, nil
}

// StoreData replaces the session payload. For bound sessions the frame is
// written back to the source, the shape fields are refreshed from it and
// the session keeps no local copy; on a failed write-back the session is
// left untouched.
func (s *Session) StoreData(ctx context.Context, f *dataset.Frame) error {
	if s.source != nil {
		shape, err := s.source.Write(ctx, f)
		if err != nil {
			return err
		}
		s.ApplyShape(shape)
		return nil
	}
	s.Data = f
	return nil
}

// ApplyShape records the shape of a written payload.
func (s *Session) ApplyShape(shape Shape) {
	s.Large = shape.Large
	s.Dtypes = append([]dataset.Dtype{}, shape.Dtypes...)
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata["rows"] = shape.Rows
}

// MergeSettings merges partial into the existing settings. Keys absent
// from partial keep their current values.
func (s *Session) MergeSettings(partial map[string]any) {
	if s.Settings == nil {
		s.Settings = make(map[string]any, len(partial))
	}
	for k, v := range partial {
		s.Settings[k] = v
	}
}

// AppendHistory records transformation steps in order.
func (s *Session) AppendHistory(steps ...string) {
	s.History = append(s.History, steps...)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
