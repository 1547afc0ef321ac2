package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/systemd-rs-go/manager/internal/eventbus"
	"github.com/systemd-rs-go/manager/internal/runtimeinfo"
	"github.com/systemd-rs-go/manager/internal/unit"
)

// Engine is the subset of internal/activation.Engine the control plane
// drives, kept as a local interface to avoid an import cycle.
type Engine interface {
	Start(ctx context.Context, id unit.ID) error
	Stop(ctx context.Context, id unit.ID, kind unit.StopKind) error
}

// Loader is the subset of internal/parser + internal/depgraph the
// load-new/load-all-new/reload methods need.
type Loader interface {
	LoadNew(ctx context.Context, id unit.ID) error
	LoadAllNew(ctx context.Context) (int, error)
}

// Server is the JSON-RPC control plane (spec.md §4.7).
type Server struct {
	log    hclog.Logger
	rt     *runtimeinfo.RuntimeInfo
	engine Engine
	loader Loader
	bus    *eventbus.Bus
	shutdownFn func()

	listener net.Listener
}

func New(log hclog.Logger, rt *runtimeinfo.RuntimeInfo, engine Engine, loader Loader, bus *eventbus.Bus, shutdownFn func()) *Server {
	return &Server{log: log.Named("control"), rt: rt, engine: engine, loader: loader, bus: bus, shutdownFn: shutdownFn}
}

// ListenAndServe binds the control socket and serves connections until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, path string) error {
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on control socket %s: %w", path, err)
	}
	s.listener = l

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accepting control connection: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(Response{JSONRPC: "2.0", Error: &RPCError{Code: codeParseError, Message: err.Error()}})
			continue
		}

		if req.Method == "subscribe" {
			s.streamSubscription(ctx, req, enc)
			return
		}

		result, rpcErr := s.dispatch(ctx, req)
		enc.Encode(Response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
	}
}

func (s *Server) streamSubscription(ctx context.Context, req Request, enc *json.Encoder) {
	enc.Encode(Response{JSONRPC: "2.0", ID: req.ID, Result: "subscribed"})
	if s.bus == nil {
		return
	}
	events, err := s.bus.Subscribe(ctx)
	if err != nil {
		enc.Encode(Response{JSONRPC: "2.0", Method: "error", Result: err.Error()})
		return
	}
	for ev := range events {
		enc.Encode(Response{JSONRPC: "2.0", Method: "unit-event", Result: ev})
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) (interface{}, *RPCError) {
	switch req.Method {
	case "list-units":
		return s.listUnits(), nil
	case "status":
		return s.status(req.Params)
	case "start":
		return s.withUnitParam(ctx, req.Params, func(id unit.ID) (interface{}, error) {
			return nil, s.engine.Start(ctx, id)
		})
	case "stop":
		return s.withUnitParam(ctx, req.Params, func(id unit.ID) (interface{}, error) {
			return nil, s.engine.Stop(ctx, id, unit.StopFinal)
		})
	case "restart":
		return s.withUnitParam(ctx, req.Params, func(id unit.ID) (interface{}, error) {
			if err := s.engine.Stop(ctx, id, unit.StopFinal); err != nil {
				return nil, err
			}
			return nil, s.engine.Start(ctx, id)
		})
	case "reload":
		return s.withUnitParam(ctx, req.Params, func(id unit.ID) (interface{}, error) {
			if s.loader == nil {
				return nil, fmt.Errorf("reload not supported")
			}
			return nil, s.loader.LoadNew(ctx, id)
		})
	case "start-all":
		return s.startAll(ctx)
	case "stop-all":
		return s.stopAll(ctx)
	case "load-new":
		return s.withUnitParam(ctx, req.Params, func(id unit.ID) (interface{}, error) {
			if s.loader == nil {
				return nil, fmt.Errorf("loader not configured")
			}
			return nil, s.loader.LoadNew(ctx, id)
		})
	case "load-all-new":
		if s.loader == nil {
			return nil, &RPCError{Code: codeInternal, Message: "loader not configured"}
		}
		n, err := s.loader.LoadAllNew(ctx)
		if err != nil {
			return nil, &RPCError{Code: codeInternal, Message: err.Error()}
		}
		return map[string]int{"loaded": n}, nil
	case "shutdown":
		if s.shutdownFn != nil {
			go s.shutdownFn()
		}
		return "shutting down", nil
	default:
		return nil, &RPCError{Code: codeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

type unitParam struct {
	Name string `json:"name"`
}

func (s *Server) withUnitParam(ctx context.Context, params json.RawMessage, fn func(unit.ID) (interface{}, error)) (interface{}, *RPCError) {
	var p unitParam
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	id, err := unit.ParseID(p.Name)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	result, err := fn(id)
	if err != nil {
		return nil, &RPCError{Code: codeInternal, Message: err.Error()}
	}
	return result, nil
}

// UnitStatus is the status response payload, enriched with live process
// stats via gopsutil when the unit has a tracked pid (spec.md §4.7).
type UnitStatus struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	StopKind  string    `json:"stop_kind,omitempty"`
	Errors    []string  `json:"errors,omitempty"`
	PID       int       `json:"pid,omitempty"`
	CPUPerc   float64   `json:"cpu_percent,omitempty"`
	MemoryRSS uint64    `json:"memory_rss,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

func (s *Server) listUnits() []UnitStatus {
	var out []UnitStatus
	for _, u := range s.rt.All() {
		out = append(out, s.unitStatus(u))
	}
	return out
}

func (s *Server) status(params json.RawMessage) (interface{}, *RPCError) {
	var p unitParam
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	id, err := unit.ParseID(p.Name)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	u, ok := s.rt.Get(id)
	if !ok {
		return nil, &RPCError{Code: codeInvalidParams, Message: "unit not found"}
	}
	return s.unitStatus(u), nil
}

func (s *Server) unitStatus(u *unit.Unit) UnitStatus {
	status, kind, errs := u.Status.Get()
	out := UnitStatus{ID: u.ID.String(), Status: status.String()}
	if status == unit.Stopped {
		out.StopKind = kind.String()
	}
	for _, e := range errs {
		out.Errors = append(out.Errors, e.Error())
	}

	if svc := u.Service(); svc != nil {
		out.StartedAt = svc.Runtime.StartedAt
	}

	if pid, ok := s.rt.PIDTable.FindPIDForUnit(u.ID); ok {
		out.PID = pid
		if p, err := process.NewProcess(int32(pid)); err == nil {
			if cpu, err := p.CPUPercent(); err == nil {
				out.CPUPerc = cpu
			}
			if mem, err := p.MemoryInfo(); err == nil && mem != nil {
				out.MemoryRSS = mem.RSS
			}
		}
	}
	return out
}

func (s *Server) startAll(ctx context.Context) (interface{}, *RPCError) {
	var firstErr error
	for _, u := range s.rt.All() {
		if err := s.engine.Start(ctx, u.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, &RPCError{Code: codeInternal, Message: firstErr.Error()}
	}
	return "ok", nil
}

func (s *Server) stopAll(ctx context.Context) (interface{}, *RPCError) {
	var firstErr error
	for _, u := range s.rt.All() {
		if err := s.engine.Stop(ctx, u.ID, unit.StopFinal); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, &RPCError{Code: codeInternal, Message: firstErr.Error()}
	}
	return "ok", nil
}
