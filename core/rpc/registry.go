package rpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var (
	ErrServiceNotFound = errors.New("rpc: service not found")
	ErrMethodNotFound  = errors.New("rpc: method not found")
	ErrNoMethods       = errors.New("rpc: service exports no usable methods")
	ErrBadArgument     = errors.New("rpc: bad argument")
)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// Registry maps service and method names onto receiver methods found by
// reflection. Usable methods have the shape
//
//	func (s *Svc) Name(ctx context.Context, arg *Arg) (*Reply, error)
//
// Anything else on the receiver is skipped.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*service
}

type service struct {
	name     string
	receiver reflect.Value
	methods  map[string]*MethodInfo
}

// MethodInfo describes one callable method.
type MethodInfo struct {
	fn        reflect.Value
	argType   reflect.Type
	replyType reflect.Type
}

// NewArg allocates a fresh pointer to the method's argument type.
func (m *MethodInfo) NewArg() any { return reflect.New(m.argType).Interface() }

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*service)}
}

// Register scans receiver for usable methods and publishes them under
// name. Registering the same name again replaces the previous service.
func (r *Registry) Register(name string, receiver any) error {
	rv := reflect.ValueOf(receiver)
	rt := rv.Type()

	svc := &service{
		name:     name,
		receiver: rv,
		methods:  make(map[string]*MethodInfo),
	}

	for i := 0; i < rt.NumMethod(); i++ {
		m := rt.Method(i)
		if m.PkgPath != "" {
			continue
		}
		mt := m.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 {
			continue
		}
		if !mt.In(1).Implements(ctxType) {
			continue
		}
		if mt.In(2).Kind() != reflect.Pointer || mt.Out(0).Kind() != reflect.Pointer {
			continue
		}
		if !mt.Out(1).Implements(errType) {
			continue
		}
		svc.methods[m.Name] = &MethodInfo{
			fn:        m.Func,
			argType:   mt.In(2).Elem(),
			replyType: mt.Out(0).Elem(),
		}
	}

	if len(svc.methods) == 0 {
		return fmt.Errorf("%w: %T", ErrNoMethods, receiver)
	}

	r.mu.Lock()
	r.services[name] = svc
	r.mu.Unlock()
	return nil
}

// Method looks up a method. The error wraps ErrServiceNotFound or
// ErrMethodNotFound.
func (r *Registry) Method(serviceName, methodName string) (*MethodInfo, error) {
	r.mu.RLock()
	svc, ok := r.services[serviceName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, serviceName)
	}
	m, ok := svc.methods[methodName]
	if !ok {
		return nil, fmt.Errorf("%w: %q on %q", ErrMethodNotFound, methodName, serviceName)
	}
	return m, nil
}

// Call invokes serviceName.methodName with arg, which must be a pointer
// to the method's argument type.
func (r *Registry) Call(ctx context.Context, serviceName, methodName string, arg any) (any, error) {
	r.mu.RLock()
	svc, ok := r.services[serviceName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, serviceName)
	}
	m, ok := svc.methods[methodName]
	if !ok {
		return nil, fmt.Errorf("%w: %q on %q", ErrMethodNotFound, methodName, serviceName)
	}

	argVal := reflect.ValueOf(arg)
	if argVal.Type() != reflect.PointerTo(m.argType) {
		return nil, fmt.Errorf("%w: want %v, got %v", ErrBadArgument, reflect.PointerTo(m.argType), argVal.Type())
	}

	out := m.fn.Call([]reflect.Value{svc.receiver, reflect.ValueOf(ctx), argVal})
	if !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}
	return out[0].Interface(), nil
}

// Services returns registered service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Methods returns the method names of a service, sorted.
func (r *Registry) Methods(serviceName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[serviceName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, serviceName)
	}
	names := make([]string, 0, len(svc.methods))
	for name := range svc.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
