package jobstore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("jobstore: job not found")
	ErrDuplicate  = errors.New("jobstore: job already exists")
	ErrInvalid    = errors.New("jobstore: invalid job definition")
	ErrCapReached = errors.New("jobstore: execution cap reached")
)

// Unlimited as MaxExecCount disables the execution cap.
const Unlimited = -1

const legacyKeyPref = "name:"

// Identity addresses a job definition.
//
// Handler-bound jobs are identified by (Handler, Method). Legacy jobs carry no
// handler reference and are identified by their fixed task name.
type Identity struct {
	Handler string `json:"taskClass,omitempty"`
	Method  string `json:"taskMethod,omitempty"`
	Name    string `json:"taskName,omitempty"`
}

func ByHandler(handler, method string) Identity {
	return Identity{Handler: strings.TrimSpace(handler), Method: strings.TrimSpace(method)}
}

func ByName(name string) Identity { return Identity{Name: strings.TrimSpace(name)} }

func (id Identity) IsLegacy() bool { return id.Handler == "" }

// Key is the stable map key for id: "Handler#Method" or "name:<task name>".
func (id Identity) Key() string {
	if id.IsLegacy() {
		return legacyKeyPref + id.Name
	}
	return id.Handler + "#" + id.Method
}

func (id Identity) String() string { return id.Key() }

func (id Identity) Valid() bool {
	if id.IsLegacy() {
		return id.Name != "" && id.Method == ""
	}
	return id.Method != ""
}

// ParseIdentity is the inverse of Key.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if name, ok := strings.CutPrefix(s, legacyKeyPref); ok {
		id := ByName(name)
		if !id.Valid() {
			return Identity{}, fmt.Errorf("%w: empty task name", ErrInvalid)
		}
		return id, nil
	}
	h, m, ok := strings.Cut(s, "#")
	if !ok {
		return Identity{}, fmt.Errorf("%w: identity %q is not Handler#Method or name:<task>", ErrInvalid, s)
	}
	id := ByHandler(h, m)
	if !id.Valid() || id.Handler == "" {
		return Identity{}, fmt.Errorf("%w: identity %q", ErrInvalid, s)
	}
	return id, nil
}

// Definition is one persisted job. Legacy rows leave HandlerRef/MethodRef NULL.
type Definition struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	TaskName         string     `gorm:"column:task_name;size:128;not null;index" json:"taskName"`
	HandlerRef       *string    `gorm:"column:task_class;size:255;uniqueIndex:idx_scheduled_task_identity" json:"taskClass"`
	MethodRef        *string    `gorm:"column:task_method;size:128;uniqueIndex:idx_scheduled_task_identity" json:"taskMethod"`
	Schedule         string     `gorm:"column:cron_expression;size:128;not null" json:"cronExpression"`
	Enabled          bool       `gorm:"column:enabled;not null" json:"enabled"`
	MaxExecCount     int        `gorm:"column:max_exec_count;not null" json:"maxExecCount"`
	CurrentExecCount int        `gorm:"column:current_exec_count;not null" json:"currentExecCount"`
	LastExecAt       *time.Time `gorm:"column:last_exec_at" json:"lastExecAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

func (Definition) TableName() string { return "scheduled_task" }

// NewDefinition returns an enabled, unbounded definition for id.
func NewDefinition(id Identity, name, schedule string) Definition {
	d := Definition{
		TaskName:     strings.TrimSpace(name),
		Schedule:     strings.TrimSpace(schedule),
		Enabled:      true,
		MaxExecCount: Unlimited,
	}
	if !id.IsLegacy() {
		h, m := id.Handler, id.Method
		d.HandlerRef, d.MethodRef = &h, &m
		if d.TaskName == "" {
			d.TaskName = id.Handler + "." + id.Method
		}
	} else if d.TaskName == "" {
		d.TaskName = id.Name
	}
	return d
}

// Identity addresses d by its short handler name, so rows written with a
// namespaced or proxied handler reference resolve to the same key.
func (d Definition) Identity() Identity {
	if d.HandlerRef != nil && strings.TrimSpace(*d.HandlerRef) != "" {
		m := ""
		if d.MethodRef != nil {
			m = *d.MethodRef
		}
		return ByHandler(ShortHandler(*d.HandlerRef), m)
	}
	return ByName(d.TaskName)
}

// ShortHandler strips a proxy suffix ("Name$$Enhancer...") and any dotted
// namespace prefix from a stored handler reference.
func ShortHandler(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, "$$"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.LastIndexByte(ref, '.'); i >= 0 {
		ref = ref[i+1:]
	}
	return ref
}

// Unbounded reports whether the execution cap is disabled.
func (d Definition) Unbounded() bool { return d.MaxExecCount < 0 }

// CapReached reports whether no further executions are allowed.
func (d Definition) CapReached() bool {
	return !d.Unbounded() && d.CurrentExecCount >= d.MaxExecCount
}

func (d Definition) Validate() error {
	if !d.Identity().Valid() {
		return fmt.Errorf("%w: need a task name or both handler and method", ErrInvalid)
	}
	if d.MaxExecCount < Unlimited {
		return fmt.Errorf("%w: maxExecCount must be >= -1", ErrInvalid)
	}
	if d.CurrentExecCount < 0 {
		return fmt.Errorf("%w: currentExecCount must be >= 0", ErrInvalid)
	}
	return nil
}

// Patch carries optional updates; nil fields are left unchanged.
type Patch struct {
	TaskName     *string `json:"taskName,omitempty"`
	Schedule     *string `json:"cronExpression,omitempty"`
	Enabled      *bool   `json:"enabled,omitempty"`
	MaxExecCount *int    `json:"maxExecCount,omitempty"`
}

func (p Patch) Empty() bool {
	return p.TaskName == nil && p.Schedule == nil && p.Enabled == nil && p.MaxExecCount == nil
}

func (p Patch) apply(d *Definition) error {
	if p.TaskName != nil && d.Identity().IsLegacy() {
		return fmt.Errorf("%w: legacy jobs are identified by name and cannot be renamed", ErrInvalid)
	}
	if p.MaxExecCount != nil && *p.MaxExecCount < Unlimited {
		return fmt.Errorf("%w: maxExecCount must be >= -1", ErrInvalid)
	}
	if p.TaskName != nil {
		d.TaskName = strings.TrimSpace(*p.TaskName)
	}
	if p.Schedule != nil {
		d.Schedule = strings.TrimSpace(*p.Schedule)
	}
	if p.Enabled != nil {
		d.Enabled = *p.Enabled
	}
	if p.MaxExecCount != nil {
		d.MaxExecCount = *p.MaxExecCount
	}
	return nil
}
