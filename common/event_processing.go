package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/apex/log"
)

// TaskHandler a handler function which execute a task based on parameters
type TaskHandler func(taskParam interface{}) error

// TaskProcessor processing module for implementing an event loop model
//
// Submitted tasks are processed one at a time, in submission order. Submit never blocks on
// a slow handler: pending tasks are queued without bound.
type TaskProcessor interface {
	// Submit submit a new task parameter for processing
	Submit(newTaskParam interface{}) error
	// ProcessNewTaskParam process a task parameter synchronously
	ProcessNewTaskParam(newTaskParam interface{}) error
	// SetTaskExecutionMap replace the task param type to handler mapping
	SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error
	// StartEventLoop start the event loop
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stop the event loop. Tasks still queued are dropped.
	StopEventLoop() error
	// Drain wait until every task submitted before the call has been processed
	Drain(ctxt context.Context) error
}

// drainMarker queued by Drain, released once the loop reaches it
type drainMarker struct {
	done chan struct{}
}

// taskProcessorImpl implement TaskProcessor
type taskProcessorImpl struct {
	Component
	name         string
	lock         sync.Mutex
	queue        []interface{}
	wakeup       chan struct{}
	executionMap map[reflect.Type]TaskHandler
	ctxt         context.Context
	cancel       context.CancelFunc
}

// GetNewTaskProcessorInstance get instance of TaskProcessor
func GetNewTaskProcessorInstance(name string, ctxt context.Context) (TaskProcessor, error) {
	logTags := log.Fields{
		"module": "common", "component": fmt.Sprintf("task-processor/%s", name),
	}
	loopCtxt, cancel := context.WithCancel(ctxt)
	return &taskProcessorImpl{
		Component:    Component{LogTags: logTags},
		name:         name,
		queue:        make([]interface{}, 0),
		wakeup:       make(chan struct{}, 1),
		executionMap: make(map[reflect.Type]TaskHandler),
		ctxt:         loopCtxt,
		cancel:       cancel,
	}, nil
}

// Submit submit a new task parameter for processing
func (p *taskProcessorImpl) Submit(newTaskParam interface{}) error {
	select {
	case <-p.ctxt.Done():
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	default:
	}
	p.lock.Lock()
	p.queue = append(p.queue, newTaskParam)
	p.lock.Unlock()
	select {
	case p.wakeup <- struct{}{}:
	default:
	}
	return nil
}

// Drain wait until every task submitted before the call has been processed
func (p *taskProcessorImpl) Drain(ctxt context.Context) error {
	marker := drainMarker{done: make(chan struct{})}
	if err := p.Submit(marker); err != nil {
		return err
	}
	select {
	case <-marker.done:
		return nil
	case <-p.ctxt.Done():
		return fmt.Errorf("[TP %s] event loop stopped before draining", p.name)
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// SetTaskExecutionMap update the task param to execution mapping
func (p *taskProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	log.WithFields(p.LogTags).Debug("Changing task execution mapping")
	p.lock.Lock()
	defer p.lock.Unlock()
	p.executionMap = newMap
	return nil
}

// StopEventLoop stop the task param processing event loop
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loop")
	p.cancel()
	return nil
}

// ProcessNewTaskParam process a new task param
func (p *taskProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	p.lock.Lock()
	theHandler, ok := p.executionMap[reflect.TypeOf(newTaskParam)]
	mapped := len(p.executionMap) > 0
	p.lock.Unlock()
	if !mapped {
		return fmt.Errorf("[TP %s] No task execution mapping set", p.name)
	}
	if !ok {
		return fmt.Errorf(
			"[TP %s] No matching handler found for %s", p.name, reflect.TypeOf(newTaskParam),
		)
	}
	return theHandler(newTaskParam)
}

// nextBatch take all queued task params
func (p *taskProcessorImpl) nextBatch() []interface{} {
	p.lock.Lock()
	defer p.lock.Unlock()
	batch := p.queue
	p.queue = make([]interface{}, 0, len(batch))
	return batch
}

// StartEventLoop start the event loop
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Info("Event loop exiting")
		for {
			select {
			case <-p.ctxt.Done():
				return
			case <-p.wakeup:
				for _, newTaskParam := range p.nextBatch() {
					if p.ctxt.Err() != nil {
						return
					}
					if marker, ok := newTaskParam.(drainMarker); ok {
						close(marker.done)
						continue
					}
					if err := p.ProcessNewTaskParam(newTaskParam); err != nil {
						log.WithError(err).WithFields(p.LogTags).Error("Failed to process new task param")
					}
				}
			}
		}
	}()
	return nil
}
