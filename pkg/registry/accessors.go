package registry

import (
	"context"

	"github.com/harun/tabula/internal/observability"
	"github.com/harun/tabula/pkg/dataset"
	"github.com/harun/tabula/pkg/session"
)

// Data returns the session payload, reading through the backend when the
// payload lives outside the adapter.
func (r *Registry) Data(ctx context.Context, id string) (*dataset.Frame, error) {
	s, err := r.view(ctx, "get_data", id)
	if err != nil {
		return nil, err
	}
	return s.LoadData(ctx)
}

// SetData replaces the session payload. For payloads bound to an external
// dataset the frame is written back; a failed write-back leaves the session
// unchanged.
func (r *Registry) SetData(ctx context.Context, id string, f *dataset.Frame) error {
	return r.update(ctx, "set_data", id, func(ctx context.Context, s *session.Session) error {
		return s.StoreData(ctx, f)
	})
}

func (r *Registry) Dtypes(ctx context.Context, id string) ([]dataset.Dtype, error) {
	s, err := r.view(ctx, "get_dtypes", id)
	if err != nil {
		return nil, err
	}
	return append([]dataset.Dtype{}, s.Dtypes...), nil
}

func (r *Registry) SetDtypes(ctx context.Context, id string, dtypes []dataset.Dtype) error {
	return r.update(ctx, "set_dtypes", id, func(ctx context.Context, s *session.Session) error {
		s.Dtypes = append([]dataset.Dtype{}, dtypes...)
		return nil
	})
}

func (r *Registry) Settings(ctx context.Context, id string) (map[string]any, error) {
	s, err := r.view(ctx, "get_settings", id)
	if err != nil {
		return nil, err
	}
	return s.Clone().Settings, nil
}

// SetSettings merges partial into the stored settings. Keys not present in
// partial keep their values.
func (r *Registry) SetSettings(ctx context.Context, id string, partial map[string]any) error {
	return r.update(ctx, "set_settings", id, func(ctx context.Context, s *session.Session) error {
		s.MergeSettings(partial)
		return nil
	})
}

// ReplaceSettings overwrites the stored settings wholesale.
func (r *Registry) ReplaceSettings(ctx context.Context, id string, settings map[string]any) error {
	return r.update(ctx, "replace_settings", id, func(ctx context.Context, s *session.Session) error {
		s.Settings = make(map[string]any, len(settings))
		s.MergeSettings(settings)
		return nil
	})
}

func (r *Registry) ContextVariables(ctx context.Context, id string) (map[string]any, error) {
	s, err := r.view(ctx, "get_context_variables", id)
	if err != nil {
		return nil, err
	}
	return s.Clone().ContextVariables, nil
}

func (r *Registry) SetContextVariables(ctx context.Context, id string, vars map[string]any) error {
	return r.update(ctx, "set_context_variables", id, func(ctx context.Context, s *session.Session) error {
		s.ContextVariables = make(map[string]any, len(vars))
		for k, v := range vars {
			s.ContextVariables[k] = v
		}
		return nil
	})
}

func (r *Registry) History(ctx context.Context, id string) ([]string, error) {
	s, err := r.view(ctx, "get_history", id)
	if err != nil {
		return nil, err
	}
	return append([]string{}, s.History...), nil
}

// AppendHistory adds steps to the end of the session history.
func (r *Registry) AppendHistory(ctx context.Context, id string, steps ...string) error {
	return r.update(ctx, "append_history", id, func(ctx context.Context, s *session.Session) error {
		s.AppendHistory(steps...)
		return nil
	})
}

func (r *Registry) Metadata(ctx context.Context, id string) (map[string]any, error) {
	s, err := r.view(ctx, "get_metadata", id)
	if err != nil {
		return nil, err
	}
	return s.Clone().Metadata, nil
}

func (r *Registry) SetMetadata(ctx context.Context, id string, metadata map[string]any) error {
	return r.update(ctx, "set_metadata", id, func(ctx context.Context, s *session.Session) error {
		s.Metadata = make(map[string]any, len(metadata))
		for k, v := range metadata {
			s.Metadata[k] = v
		}
		return nil
	})
}

// Dataset returns the original unfiltered dataset kept alongside the data.
func (r *Registry) Dataset(ctx context.Context, id string) (*dataset.Frame, error) {
	s, err := r.view(ctx, "get_dataset", id)
	if err != nil {
		return nil, err
	}
	return s.Dataset, nil
}

func (r *Registry) SetDataset(ctx context.Context, id string, f *dataset.Frame) error {
	return r.update(ctx, "set_dataset", id, func(ctx context.Context, s *session.Session) error {
		s.Dataset = f
		return nil
	})
}

func (r *Registry) DatasetDim(ctx context.Context, id string) (map[string]any, error) {
	s, err := r.view(ctx, "get_dataset_dim", id)
	if err != nil {
		return nil, err
	}
	return s.Clone().DatasetDim, nil
}

func (r *Registry) SetDatasetDim(ctx context.Context, id string, dim map[string]any) error {
	return r.update(ctx, "set_dataset_dim", id, func(ctx context.Context, s *session.Session) error {
		s.DatasetDim = make(map[string]any, len(dim))
		for k, v := range dim {
			s.DatasetDim[k] = v
		}
		return nil
	})
}

// IsLarge reports whether the session's dataset exceeds the in-memory
// thresholds of its backend.
func (r *Registry) IsLarge(ctx context.Context, id string) (bool, error) {
	s, err := r.view(ctx, "is_large", id)
	if err != nil {
		return false, err
	}
	return s.Large, nil
}

// Name returns the session's display name, or "" when unnamed.
func (r *Registry) Name(ctx context.Context, id string) (string, error) {
	s, err := r.view(ctx, "get_name", id)
	if err != nil {
		return "", err
	}
	return s.Name, nil
}

// SetName gives the session a unique display name. A name owned by a
// different session is a NameConflictError. An empty name clears it.
func (r *Registry) SetName(ctx context.Context, id, name string) (err error) {
	defer func() {
		observability.RecordSessionAudit(ctx, "set_name", id, err == nil, map[string]interface{}{
			"name": name,
		})
	}()

	r.renameMu.Lock()
	defer r.renameMu.Unlock()

	ctx, end := r.begin(ctx, "set_name", id)
	defer func() { end(err) }()

	unlock := r.lockID(id)
	defer unlock()

	_, err = onActive(r, func(a session.Adapter) (string, error) {
		if owner, ok := r.IDByName(name); ok && owner != id {
			return "", &session.NameConflictError{Name: name, OwnerID: owner}
		}
		s, err := getOrCreate(ctx, a, id)
		if err != nil {
			return "", err
		}
		prev := s.Name
		s.Name = name
		return prev, a.Put(ctx, id, s)
	}, func(prev string) {
		r.namesMu.Lock()
		defer r.namesMu.Unlock()
		if prev != "" && r.names[prev] == id {
			delete(r.names, prev)
		}
		if name != "" {
			r.names[name] = id
		}
	})
	return err
}
