package build

import (
	"container/list"
	"time"
)

// TaskGraph is the graph of targets to build for one start target.
type TaskGraph struct {
	Project *Project
	Start   *Task
	// Order lists tasks dependencies first.
	Order        []*Task
	Tasks        map[string]*Task
	ReadyList    list.List
	CompleteList list.List
}

// Task wraps a target with states for execution.
type Task struct {
	Graph     *TaskGraph
	Target    *Target
	DepOn     []*Task
	DepBy     map[*Task]struct{}
	DepDone   map[*Task]struct{}
	State     TaskState
	StartTime time.Time
	EndTime   time.Time
	Cached    bool
	Result    Result
	Err       error
}

// TaskState is the state of a task.
type TaskState int

// Values of TaskState
const (
	TaskNotReady TaskState = iota
	TaskReady
	TaskQueued
	TaskRunning
	TaskCompleted
)

// Plan builds the TaskGraph of start and its transitive dependencies.
func Plan(p *Project, start *Target) (*TaskGraph, error) {
	order, err := p.TraversalOrder(start)
	if err != nil {
		return nil, err
	}
	g := &TaskGraph{
		Project: p,
		Tasks:   make(map[string]*Task, len(order)),
	}
	for _, t := range order {
		task := &Task{
			Graph:  g,
			Target: t,
			DepBy:  make(map[*Task]struct{}),
		}
		// Dependencies come earlier in the traversal order.
		for _, dep := range t.Dependencies() {
			depTask := g.Tasks[dep.Name]
			task.DepOn = append(task.DepOn, depTask)
			depTask.DepBy[task] = struct{}{}
		}
		g.Tasks[t.Name] = task
		g.Order = append(g.Order, task)
	}
	g.Start = g.Tasks[start.Name]
	return g, nil
}

// Prepare resets all tasks and fills the ReadyList with tasks without dependencies.
func (g *TaskGraph) Prepare() {
	g.ReadyList.Init()
	g.CompleteList.Init()
	for _, task := range g.Order {
		task.State = TaskNotReady
		task.DepDone = make(map[*Task]struct{})
		task.Cached = false
		task.Result = Result{}
		task.Err = nil
		if len(task.DepOn) == 0 {
			task.State = TaskReady
			g.ReadyList.PushBack(task)
		}
	}
}

// Complete marks a task completed and activates tasks depending on it,
// unless it failed. Dependents are activated in traversal order.
func (g *TaskGraph) Complete(task *Task) {
	task.State = TaskCompleted
	g.CompleteList.PushBack(task)
	if task.Failed() {
		return
	}
	for _, depBy := range g.Order {
		if _, ok := task.DepBy[depBy]; !ok {
			continue
		}
		depBy.DepDone[task] = struct{}{}
		if len(depBy.DepDone) >= len(depBy.DepOn) {
			g.ReadyList.PushBack(depBy)
			depBy.State = TaskReady
		}
	}
}

// Input folds the results of the task's dependencies in declared order.
func (t *Task) Input() Result {
	in := Empty()
	for _, dep := range t.DepOn {
		in = Combine(in, dep.Result)
	}
	return in
}

// Name returns the target name.
func (t *Task) Name() string {
	return t.Target.Name
}

// Failed indicates the task failed with an error or a Failure result.
func (t *Task) Failed() bool {
	return t.Err != nil || t.Result.IsFailure()
}

// Duration returns how long the task ran.
func (t *Task) Duration() time.Duration {
	return t.EndTime.Sub(t.StartTime)
}
