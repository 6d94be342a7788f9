package tracker

import (
	"sort"

	"github.com/mitchellh/mapstructure"

	"github.com/driftlab/pulse/errors"
)

// validatePlan checks structural integrity: unique task IDs and dependencies
// that reference tasks present in the plan. Self-dependencies are rejected;
// cycles beyond that are not checked here.
func validatePlan(p *Plan) error {
	seen := make(map[int]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if seen[t.ID] {
			return errors.New(errors.ErrCodeValidation, "duplicate task id in plan").
				WithDetail("task_id", t.ID)
		}
		seen[t.ID] = true
	}
	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return errors.New(errors.ErrCodeValidation, "task cannot depend on itself").
					WithDetail("task_id", t.ID)
			}
			if !seen[dep] {
				return errors.UnknownDependency(t.ID, dep)
			}
		}
	}
	return nil
}

// findTask returns the index of the task with the given id, or -1.
func (p *Plan) findTask(id int) int {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// nextTaskID returns an id one past the current maximum.
func (p *Plan) nextTaskID() int {
	max := 0
	for _, t := range p.Tasks {
		if t.ID > max {
			max = t.ID
		}
	}
	return max + 1
}

// updateTask applies a partial update to the task with the given id. The
// updated plan is validated before anything is committed; on error the plan
// is unchanged.
func (p *Plan) updateTask(id int, upd TaskUpdate) (*PlanTask, error) {
	idx := p.findTask(id)
	if idx < 0 {
		return nil, errors.TaskNotFound(id)
	}
	if upd.Status != nil && !upd.Status.valid() {
		return nil, errors.New(errors.ErrCodeValidation, "invalid task status").
			WithDetail("status", string(*upd.Status))
	}

	work := p.Clone()
	t := &work.Tasks[idx]
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.AssignedAgent != nil {
		t.AssignedAgent = *upd.AssignedAgent
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.Dependencies != nil {
		t.Dependencies = append([]int(nil), (*upd.Dependencies)...)
	}
	if err := validatePlan(work); err != nil {
		return nil, err
	}

	*p = *work
	updated := p.Tasks[idx]
	return &updated, nil
}

// addTask appends (or inserts at Position) a new pending task with a fresh id.
func (p *Plan) addTask(create TaskCreate) (*PlanTask, error) {
	task := PlanTask{
		ID:            p.nextTaskID(),
		Description:   create.Description,
		AssignedAgent: create.AssignedAgent,
		Status:        TaskPending,
		Dependencies:  append([]int(nil), create.Dependencies...),
	}

	work := p.Clone()
	pos := len(work.Tasks)
	if create.Position != nil {
		pos = *create.Position
		if pos < 0 || pos > len(work.Tasks) {
			return nil, errors.New(errors.ErrCodeValidation, "task position out of range").
				WithDetail("position", pos)
		}
	}
	work.Tasks = append(work.Tasks, PlanTask{})
	copy(work.Tasks[pos+1:], work.Tasks[pos:])
	work.Tasks[pos] = task

	if err := validatePlan(work); err != nil {
		return nil, err
	}

	*p = *work
	added := p.Tasks[pos]
	return &added, nil
}

// removeTask deletes the task and scrubs it from other tasks' dependencies.
func (p *Plan) removeTask(id int) error {
	idx := p.findTask(id)
	if idx < 0 {
		return errors.TaskNotFound(id)
	}

	p.Tasks = append(p.Tasks[:idx], p.Tasks[idx+1:]...)
	for i := range p.Tasks {
		deps := p.Tasks[i].Dependencies[:0]
		for _, dep := range p.Tasks[i].Dependencies {
			if dep != id {
				deps = append(deps, dep)
			}
		}
		p.Tasks[i].Dependencies = deps
	}
	return nil
}

// reorderTasks rearranges the plan to match order, which must be an exact
// permutation of the current task ids.
func (p *Plan) reorderTasks(order []int) error {
	if !samePermutation(order, p.taskIDs()) {
		return errors.InvalidReorder(len(order), len(p.Tasks))
	}

	byID := make(map[int]PlanTask, len(p.Tasks))
	for _, t := range p.Tasks {
		byID[t.ID] = t
	}
	reordered := make([]PlanTask, 0, len(order))
	for _, id := range order {
		reordered = append(reordered, byID[id])
	}
	p.Tasks = reordered
	return nil
}

func (p *Plan) taskIDs() []int {
	ids := make([]int, len(p.Tasks))
	for i, t := range p.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// samePermutation reports whether a and b contain the same multiset of ids.
func samePermutation(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]int(nil), a...)
	bs := append([]int(nil), b...)
	sort.Ints(as)
	sort.Ints(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// planModifications is the decode target for approve-with-modifications
// payloads. Pointer fields distinguish absent from zero.
type planModifications struct {
	MainGoal *string    `mapstructure:"main_goal"`
	Scope    *string    `mapstructure:"scope"`
	Tasks    []PlanTask `mapstructure:"tasks"`
}

// applyModifications merges a loosely-typed modification map into the plan.
// The merge is atomic: if decoding or validation fails, the plan is left
// untouched.
func (p *Plan) applyModifications(mods map[string]interface{}) error {
	var decoded planModifications
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &decoded,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to build plan decoder")
	}
	if err := decoder.Decode(mods); err != nil {
		return errors.Wrap(err, errors.ErrCodeValidation, "invalid plan modifications")
	}

	work := p.Clone()
	if decoded.MainGoal != nil {
		work.MainGoal = *decoded.MainGoal
	}
	if decoded.Scope != nil {
		work.Scope = *decoded.Scope
	}
	if decoded.Tasks != nil {
		for i := range decoded.Tasks {
			if decoded.Tasks[i].Status == "" {
				decoded.Tasks[i].Status = TaskPending
			}
		}
		work.Tasks = decoded.Tasks
	}
	if err := validatePlan(work); err != nil {
		return err
	}

	*p = *work
	return nil
}
