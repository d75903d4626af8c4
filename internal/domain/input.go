package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var ErrValidation = errors.New("validation failed")

var validate = validator.New(validator.WithRequiredStructEnabled())

// TaskInput carries the user-supplied fields of a new task.
type TaskInput struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description,omitempty"`
	Endpoint    Endpoint `json:"endpoint"`
	Schedule    Schedule `json:"schedule"`
	// Status defaults to active.
	Status Status `json:"status,omitempty" validate:"omitempty,oneof=active paused"`
}

func (in *TaskInput) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Endpoint.HTTPMethod = strings.ToUpper(strings.TrimSpace(in.Endpoint.HTTPMethod))
	if in.Endpoint.HTTPMethod == "" {
		in.Endpoint.HTTPMethod = "GET"
	}
	if in.Status == "" {
		in.Status = StatusActive
	}
}

func (in TaskInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return validationError(err)
	}
	return in.Schedule.check()
}

// NewTask builds a task from validated input. Runtime.NextRunAt is left for
// the schedule calculator.
func (in TaskInput) NewTask(id, ownerID string, now time.Time) Task {
	t := Task{
		ID:          id,
		OwnerID:     ownerID,
		Name:        in.Name,
		Description: in.Description,
		Endpoint:    in.Endpoint,
		Schedule:    in.Schedule,
		Status:      in.Status,
		CreatedAt:   now.UTC(),
	}
	t.Touch(now)
	return t.Clone()
}

// TaskPatch is a partial update; nil fields are left untouched.
type TaskPatch struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Endpoint    *Endpoint `json:"endpoint,omitempty"`
	Schedule    *Schedule `json:"schedule,omitempty"`
	UpdatedAt   int64     `json:"updatedAt,omitempty"`
}

func (p TaskPatch) Validate() error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if p.Endpoint != nil {
		if err := validate.Struct(p.Endpoint); err != nil {
			return validationError(err)
		}
	}
	if p.Schedule != nil {
		if err := validate.Struct(p.Schedule); err != nil {
			return validationError(err)
		}
		return p.Schedule.check()
	}
	return nil
}

// Apply copies the set fields onto t and reports whether the schedule changed.
func (p TaskPatch) Apply(t *Task) (scheduleChanged bool) {
	if p.Name != nil {
		t.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Endpoint != nil {
		t.Endpoint = *p.Endpoint
		t.Endpoint.HTTPMethod = strings.ToUpper(t.Endpoint.HTTPMethod)
		if t.Endpoint.HTTPMethod == "" {
			t.Endpoint.HTTPMethod = "GET"
		}
	}
	if p.Schedule != nil {
		t.Schedule = *p.Schedule
		scheduleChanged = true
	}
	return scheduleChanged
}

// PatchFrom describes the editable fields of t as a full patch.
func PatchFrom(t Task) TaskPatch {
	c := t.Clone()
	return TaskPatch{
		Name:        &c.Name,
		Description: &c.Description,
		Endpoint:    &c.Endpoint,
		Schedule:    &c.Schedule,
		UpdatedAt:   c.UpdatedAt,
	}
}

func (s Schedule) check() error {
	if s.Kind == ScheduleSimple && s.IntervalCount < 1 {
		return fmt.Errorf("%w: intervalCount must be positive", ErrValidation)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// CreatePayload is the queued form of a Create operation.
type CreatePayload struct {
	Input     TaskInput `json:"input"`
	UpdatedAt int64     `json:"updatedAt"`
}

// ActionPayload is the queued form of pause, resume and trigger operations.
type ActionPayload struct {
	UpdatedAt int64 `json:"updatedAt"`
}

// InputFrom describes t as creation input.
func InputFrom(t Task) TaskInput {
	c := t.Clone()
	st := c.Status
	if st != StatusActive && st != StatusPaused {
		st = StatusActive
	}
	return TaskInput{Name: c.Name, Description: c.Description, Endpoint: c.Endpoint, Schedule: c.Schedule, Status: st}
}
