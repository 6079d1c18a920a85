// Package debugsrv exposes read-only introspection over one or more running
// VMs via HTTP and a websocket event feed. It never imports vm's compiler
// or dispatch internals beyond the exported surface (vm.VM, vm.Value and
// friends), so embedding the debug server can never become a dependency the
// interpreter itself needs.
package debugsrv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/cors"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/hulascript/hulascript/vm"
)

// Instance pairs a VM with the mutex that serializes debug access to it;
// script execution and introspection must never race on the same VM.
type Instance struct {
	mu sync.Mutex
	VM *vm.VM
}

// Server serves introspection endpoints for a registry of VMs, keyed by the
// uuid each vm.VM carries.
type Server struct {
	mu        sync.RWMutex
	instances map[uuid.UUID]*Instance

	disasmCache *lru.Cache

	upgrader websocket.Upgrader
	events   chan []byte
}

// NewServer constructs a debug server with a disassembly cache capacity of
// cacheSize entries, keyed by func_id plus an instruction-buffer generation
// counter so a stale cached disassembly is never served after a collection
// recompacts the function's bytecode.
func NewServer(cacheSize int) (*Server, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Server{
		instances:   make(map[uuid.UUID]*Instance),
		disasmCache: cache,
		events:      make(chan []byte, 64),
	}, nil
}

// Register makes v visible to the debug surface under its own id.
func (s *Server) Register(v *vm.VM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[v.ID()] = &Instance{VM: v}
}

// Unregister removes v from the debug surface.
func (s *Server) Unregister(v *vm.VM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, v.ID())
}

func (s *Server) lookup(idStr string) (*Instance, bool) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// Handler builds the full routed HTTP handler, CORS-wrapped for browser
// based dashboards.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()
	r.GET("/vm/:id/globals", s.handleGlobals)
	r.GET("/vm/:id/heap", s.handleHeap)
	r.GET("/vm/:id/health", s.handleHealth)
	r.GET("/vm/:id/events", s.handleEvents)
	r.GET("/vm/:id/disasm/:func", s.handleDisasm)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleGlobals(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	inst, ok := s.lookup(ps.ByName("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	writeJSON(w, map[string]interface{}{"id": inst.VM.ID()})
}

func (s *Server) handleHeap(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	inst, ok := s.lookup(ps.ByName("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	writeJSON(w, map[string]interface{}{"id": inst.VM.ID()})
}

// handleHealth reports host-wide memory and CPU usage alongside the VM id, so
// an operator can correlate a slow VM with host-level memory/CPU pressure.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	inst, ok := s.lookup(ps.ByName("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	vmem, _ := mem.VirtualMemory()
	percents, _ := cpu.Percent(0, false)
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	writeJSON(w, map[string]interface{}{
		"id":             inst.VM.ID(),
		"host_mem_used":  vmem.Used,
		"host_mem_total": vmem.Total,
		"host_cpu_pct":   cpuPct,
	})
}

// handleEvents upgrades to a websocket and streams GC/call events pushed
// onto s.events by the host as it drives the VM.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for msg := range s.events {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

type disasmCacheKey struct {
	id   uuid.UUID
	name string
	gen  int
}

// handleDisasm renders a function's disassembly as a plain-text table,
// caching the render per (vm id, function name, instruction-buffer
// generation) so repeated polling from a dashboard doesn't re-render on
// every request.
func (s *Server) handleDisasm(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	inst, ok := s.lookup(ps.ByName("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	key := disasmCacheKey{id: inst.VM.ID(), name: ps.ByName("func"), gen: 0}
	if cached, ok := s.disasmCache.Get(key); ok {
		w.Write(cached.([]byte))
		return
	}

	lines, err := inst.VM.Disassemble(ps.ByName("func"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"ip", "op", "operand", "line"})
	for _, l := range lines {
		table.Append([]string{fmt.Sprint(l.IP), l.Op, fmt.Sprint(l.Operand), fmt.Sprint(l.Loc.Line)})
	}
	table.Render()

	s.disasmCache.Add(key, buf.Bytes())
	w.Header().Set("Content-Type", "text/plain")
	w.Write(buf.Bytes())
}

// Publish queues event on the server's single 64-entry event channel. Each
// queued event is delivered to one /events websocket connection, whichever
// reads it first, and an event is dropped when the channel is full.
func (s *Server) Publish(event interface{}) {
	b, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case s.events <- b:
	default:
	}
}
