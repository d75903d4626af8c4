package client

import (
	"context"
	"fmt"

	"cronsync/internal/domain"
)

// Mutation is one user-initiated change travelling through the pipeline.
// Stages fill in Prev, Next and Op as they go.
type Mutation struct {
	Kind   domain.OpKind
	TaskID string
	Input  domain.TaskInput
	Patch  domain.TaskPatch

	// Prev is the task before the change; nil on create.
	Prev *domain.Task
	// Next is the task after the change; nil on delete.
	Next *domain.Task
	Op   *domain.PendingOperation
}

type Stage struct {
	Name string
	Run  func(ctx context.Context, m *Mutation) error
}

// TaskMutationPipeline runs stages in order and stops at the first error.
type TaskMutationPipeline struct {
	stages []Stage
}

func NewPipeline(stages ...Stage) *TaskMutationPipeline {
	return &TaskMutationPipeline{stages: stages}
}

func (p *TaskMutationPipeline) Run(ctx context.Context, m *Mutation) error {
	for _, s := range p.stages {
		if err := s.Run(ctx, m); err != nil {
			return fmt.Errorf("%s %s: %w", m.Kind, s.Name, err)
		}
	}
	return nil
}
