package doc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Task is a single entry in the shared list.
type Task struct {
	ID    string `msgpack:"id"`
	Title string `msgpack:"title"`
	Done  bool   `msgpack:"done"`

	// Author and Clock order concurrent writes: highest Clock wins,
	// ties broken by lexically larger Author. Deleted tasks keep their
	// record with Deleted set so the tombstone replicates.
	Author  string `msgpack:"author"`
	Clock   uint64 `msgpack:"clock"`
	Deleted bool   `msgpack:"deleted,omitempty"`
}

// taskUpdate is the wire form of a batch of task records.
type taskUpdate struct {
	Tasks []Task `msgpack:"tasks"`
}

// TaskList is a last-writer-wins replicated task map. It implements
// Document: the state vector maps each author to the highest clock seen
// from them, and a diff update carries every record the remote author
// map is missing.
type TaskList struct {
	mu      sync.Mutex
	replica string
	clock   uint64
	tasks   map[string]Task

	subs   map[int]func(update []byte)
	nextID int
}

var _ Document = (*TaskList)(nil)

// NewTaskList creates an empty task list owned by the given replica id.
func NewTaskList(replica string) *TaskList {
	return &TaskList{
		replica: replica,
		tasks:   make(map[string]Task),
		subs:    make(map[int]func(update []byte)),
	}
}

// Put creates or replaces a task and broadcasts the change.
func (l *TaskList) Put(id, title string, done bool) {
	l.mu.Lock()
	l.clock++
	task := Task{
		ID:     id,
		Title:  title,
		Done:   done,
		Author: l.replica,
		Clock:  l.clock,
	}
	l.tasks[id] = task
	update := encodeTasks([]Task{task})
	subs := l.snapshotSubs()
	l.mu.Unlock()

	for _, fn := range subs {
		fn(update)
	}
}

// Delete tombstones a task so the deletion replicates.
func (l *TaskList) Delete(id string) {
	l.mu.Lock()
	existing, ok := l.tasks[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	l.clock++
	existing.Deleted = true
	existing.Author = l.replica
	existing.Clock = l.clock
	l.tasks[id] = existing
	update := encodeTasks([]Task{existing})
	subs := l.snapshotSubs()
	l.mu.Unlock()

	for _, fn := range subs {
		fn(update)
	}
}

// Tasks returns the live (non-tombstoned) tasks sorted by id.
func (l *TaskList) Tasks() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Task, 0, len(l.tasks))
	for _, task := range l.tasks {
		if !task.Deleted {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *TaskList) ApplyUpdate(update []byte) error {
	var decoded taskUpdate
	if err := msgpack.Unmarshal(update, &decoded); err != nil {
		return fmt.Errorf("decode task update: %w", err)
	}

	l.mu.Lock()
	applied := make([]Task, 0, len(decoded.Tasks))
	for _, incoming := range decoded.Tasks {
		existing, ok := l.tasks[incoming.ID]
		if ok && !wins(incoming, existing) {
			continue
		}
		l.tasks[incoming.ID] = incoming
		applied = append(applied, incoming)
		if incoming.Author == l.replica && incoming.Clock > l.clock {
			l.clock = incoming.Clock
		}
	}
	var rebroadcast []byte
	var subs []func([]byte)
	if len(applied) > 0 {
		rebroadcast = encodeTasks(applied)
		subs = l.snapshotSubs()
	}
	l.mu.Unlock()

	for _, fn := range subs {
		fn(rebroadcast)
	}
	return nil
}

func (l *TaskList) StateVector() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]uint64)
	for _, task := range l.tasks {
		if task.Clock > seen[task.Author] {
			seen[task.Author] = task.Clock
		}
	}
	encoded, err := msgpack.Marshal(seen)
	if err != nil {
		// A map[string]uint64 always encodes.
		panic("tasklist: state vector encode: " + err.Error())
	}
	return encoded
}

func (l *TaskList) DiffUpdate(remoteStateVector []byte) ([]byte, error) {
	seen := make(map[string]uint64)
	if len(remoteStateVector) > 0 {
		if err := msgpack.Unmarshal(remoteStateVector, &seen); err != nil {
			return nil, fmt.Errorf("decode state vector: %w", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	missing := make([]Task, 0)
	for _, task := range l.tasks {
		if task.Clock > seen[task.Author] {
			missing = append(missing, task)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].ID < missing[j].ID })
	return encodeTasks(missing), nil
}

func (l *TaskList) OnUpdate(fn func(update []byte)) (cancel func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// wins reports whether the incoming record supersedes the existing one.
func wins(incoming, existing Task) bool {
	if incoming.Clock != existing.Clock {
		return incoming.Clock > existing.Clock
	}
	return incoming.Author > existing.Author
}

func (l *TaskList) snapshotSubs() []func([]byte) {
	out := make([]func([]byte), 0, len(l.subs))
	for _, fn := range l.subs {
		out = append(out, fn)
	}
	return out
}

func encodeTasks(tasks []Task) []byte {
	encoded, err := msgpack.Marshal(taskUpdate{Tasks: tasks})
	if err != nil {
		panic("tasklist: task update encode: " + err.Error())
	}
	return encoded
}
