package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ClareAI/astra-call-control/internal/core/verb"
)

// Constructor builds a task from validated parameters
type Constructor func(params map[string]any, parent Task) (Task, error)

// Factory maps verb names to task constructors
type Factory struct {
	constructors map[string]Constructor
	mutex        sync.RWMutex
}

// NewFactory creates a factory with every supported verb registered
func NewFactory() *Factory {
	f := &Factory{constructors: make(map[string]Constructor)}

	f.Register("say", newSay)
	f.Register("play", newPlay)
	f.Register("pause", newPause)
	f.Register("gather", newGather)
	f.Register("hangup", newHangup)
	f.Register("redirect", newRedirect)
	f.Register("tag", newTag)
	f.Register("config", newConfig)
	f.Register("leave", newLeave)
	f.Register("enqueue", newEnqueue)
	f.Register("dequeue", newDequeue)
	f.Register("conference", newConference)
	f.Register("transcribe", newTranscribe)
	f.Register("listen", newListen)
	f.Register("record", newRecord)
	f.Register("stream", newStream)
	f.Register("dial", newDial)
	f.Register("llm", newLLM)

	return f
}

// Register adds or replaces the constructor for a verb
func (f *Factory) Register(name string, c Constructor) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.constructors[name] = c
}

// Verbs returns the registered verb names
func (f *Factory) Verbs() []string {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New validates a single-key verb description and builds its task.
// No task is returned unless validation succeeds.
func (f *Factory) New(desc map[string]any, parent Task) (Task, error) {
	name, params, err := verb.Parse(desc)
	if err != nil {
		return nil, err
	}
	f.mutex.RLock()
	c, ok := f.constructors[name]
	f.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", verb.ErrUnknownVerb, name)
	}
	t, err := c(params, parent)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

// NewProgram builds every verb of a program or none of them
func (f *Factory) NewProgram(program []map[string]any) ([]Task, error) {
	tasks := make([]Task, 0, len(program))
	for i, desc := range program {
		t, err := f.New(desc, nil)
		if err != nil {
			return nil, fmt.Errorf("verb %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

var defaultFactory *Factory

func init() {
	defaultFactory = NewFactory()
}

// New builds a task with the default factory
func New(desc map[string]any, parent Task) (Task, error) {
	return defaultFactory.New(desc, parent)
}

// NewProgram builds a program with the default factory
func NewProgram(program []map[string]any) ([]Task, error) {
	return defaultFactory.NewProgram(program)
}
