package scheduler

import (
	"context"
	"fmt"
	"sort"

	"scmbridge/internal/jobstore"
)

// Every mutation below writes the registry first and then runs a full
// refresh. A refresh failure is reported but does not undo the write.

// AddJob stores a new definition and re-arms triggers.
func (s *Service) AddJob(ctx context.Context, def jobstore.Definition) (jobstore.Definition, RefreshReport, error) {
	if err := ValidateSchedule(def.Schedule); err != nil {
		return def, RefreshReport{}, fmt.Errorf("%w: %w", jobstore.ErrInvalid, err)
	}
	if err := s.registry.Insert(ctx, &def); err != nil {
		return def, RefreshReport{}, err
	}
	s.log.Info("job added", logKey(def.Identity()))
	rep, _ := s.Refresh(ctx)
	return def, rep, nil
}

// UpdateJob patches a definition and re-arms triggers.
func (s *Service) UpdateJob(ctx context.Context, id jobstore.Identity, patch jobstore.Patch) (jobstore.Definition, RefreshReport, error) {
	if patch.Schedule != nil {
		if err := ValidateSchedule(*patch.Schedule); err != nil {
			return jobstore.Definition{}, RefreshReport{}, fmt.Errorf("%w: %w", jobstore.ErrInvalid, err)
		}
	}
	def, err := s.registry.Update(ctx, id, patch)
	if err != nil {
		return def, RefreshReport{}, err
	}
	s.log.Info("job updated", logKey(id))
	rep, _ := s.Refresh(ctx)
	return def, rep, nil
}

// DeleteJob removes a definition. Its trigger disappears on the following refresh.
func (s *Service) DeleteJob(ctx context.Context, id jobstore.Identity) (RefreshReport, error) {
	if err := s.registry.Delete(ctx, id); err != nil {
		return RefreshReport{}, err
	}
	s.enqRep.forget(id.Key())
	s.log.Info("job deleted", logKey(id))
	rep, _ := s.Refresh(ctx)
	return rep, nil
}

// ResetExecCount zeroes the execution counter so a capped job can run again.
func (s *Service) ResetExecCount(ctx context.Context, id jobstore.Identity) (RefreshReport, error) {
	if err := s.registry.ResetExecCount(ctx, id); err != nil {
		return RefreshReport{}, err
	}
	s.log.Info("job execution count reset", logKey(id))
	rep, _ := s.Refresh(ctx)
	return rep, nil
}

// TriggerNow runs a job immediately on the caller's goroutine, outside its
// schedule. A successful run counts toward the cap.
func (s *Service) TriggerNow(ctx context.Context, id jobstore.Identity) Outcome {
	s.mu.Lock()
	bypass := s.cfg.TriggerNowBypass
	s.mu.Unlock()
	return s.invoker.InvokeManual(ctx, id, bypass)
}

// Definitions lists every stored definition, enabled or not.
func (s *Service) Definitions(ctx context.Context) ([]jobstore.Definition, error) {
	return s.registry.ListAll(ctx)
}

// Definition returns the stored definition for id.
func (s *Service) Definition(ctx context.Context, id jobstore.Identity) (jobstore.Definition, bool, error) {
	def, err := s.registry.Get(ctx, id)
	if isNotFound(err) {
		return def, false, nil
	}
	return def, err == nil, err
}

func sortTriggers(ts []TriggerInfo) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Key < ts[j].Key })
}
