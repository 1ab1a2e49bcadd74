package nativetest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

const maxRetries = 3

type storedWorkitem struct {
	wi       record.Workitem
	seq      int
	contents map[string][]byte
}

// workQueues holds every work item across queues.
type workQueues struct {
	mu    sync.Mutex
	items map[string]*storedWorkitem
	seq   int
}

func newWorkQueues() *workQueues {
	return &workQueues{items: make(map[string]*storedWorkitem)}
}

func (l *Library) workCall(sym string, args []uintptr) uintptr {
	_, msg := l.connectedClient(args[0])
	w := l.work
	switch sym {
	case native.SymPushWorkitem:
		var req record.PushWorkitemRequest
		l.decode(sym, args[1], &req)
		return w.respond(l, native.SymFreePushWorkitemResponse, req.RequestID, msg, func() (*record.Workitem, error) {
			return w.push(req)
		})
	case native.SymPopWorkitem:
		var req record.PopWorkitemRequest
		l.decode(sym, args[1], &req)
		folder := goString(args[2])
		return w.respond(l, native.SymFreePopWorkitemResponse, req.RequestID, msg, func() (*record.Workitem, error) {
			return w.pop(req, folder)
		})
	case native.SymUpdateWorkitem:
		var req record.UpdateWorkitemRequest
		l.decode(sym, args[1], &req)
		return w.respond(l, native.SymFreeUpdateWorkitemResponse, req.RequestID, msg, func() (*record.Workitem, error) {
			return w.update(req)
		})
	case native.SymDeleteWorkitem:
		var req record.DeleteWorkitemRequest
		l.decode(sym, args[1], &req)
		resp := &record.StatusResponse{RequestID: req.RequestID}
		if msg != "" {
			resp.Error = msg
		} else if err := w.remove(req.ID); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
		}
		return l.heap.publish(resp, native.SymFreeDeleteWorkitemResponse)
	}
	panic("nativetest: work queues cannot serve " + sym)
}

func (w *workQueues) respond(l *Library, freeSym string, id int32, msg string, op func() (*record.Workitem, error)) uintptr {
	resp := &record.WorkitemResponse{RequestID: id}
	if msg != "" {
		resp.Error = msg
	} else if wi, err := op(); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success, resp.Workitem = true, wi
	}
	return l.heap.publish(resp, freeSym)
}

// attach reads local files into the item.
func (s *storedWorkitem) attach(files []record.WorkitemFile) error {
	for _, f := range files {
		content, err := os.ReadFile(f.Filename)
		if err != nil {
			return fmt.Errorf("failed to read %s: %v", f.Filename, err)
		}
		id := newID()
		s.contents[id] = content
		s.wi.Files = append(s.wi.Files, record.WorkitemFile{
			Filename:   filepath.Base(f.Filename),
			ID:         id,
			Compressed: f.Compressed,
		})
	}
	return nil
}

func snapshot(s *storedWorkitem) *record.Workitem {
	wi := s.wi
	wi.Files = append([]record.WorkitemFile(nil), s.wi.Files...)
	return &wi
}

func (w *workQueues) push(req record.PushWorkitemRequest) (*record.Workitem, error) {
	if req.Wiq == "" && req.WiqID == "" {
		return nil, fmt.Errorf("wiq or wiqid is required")
	}
	payload := req.Payload
	if payload == "" {
		payload = "{}"
	}
	s := &storedWorkitem{
		wi: record.Workitem{
			ID:           newID(),
			Name:         req.Name,
			Payload:      payload,
			Priority:     req.Priority,
			NextRun:      req.NextRun,
			State:        "new",
			Wiq:          req.Wiq,
			WiqID:        req.WiqID,
			SuccessWiqID: req.SuccessWiqID,
			FailedWiqID:  req.FailedWiqID,
			SuccessWiq:   req.SuccessWiq,
			FailedWiq:    req.FailedWiq,
		},
		contents: make(map[string][]byte),
	}
	if s.wi.WiqID == "" {
		s.wi.WiqID = "wiq." + s.wi.Wiq
	}
	if err := s.attach(req.Files); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	s.seq = w.seq
	w.items[s.wi.ID] = s
	return snapshot(s), nil
}

// pop hands out the next due item in priority then arrival order, and
// writes its files to folder when one is given.
func (w *workQueues) pop(req record.PopWorkitemRequest, folder string) (*record.Workitem, error) {
	if req.Wiq == "" && req.WiqID == "" {
		return nil, fmt.Errorf("wiq or wiqid is required")
	}
	now := uint64(time.Now().Unix())
	w.mu.Lock()
	var due []*storedWorkitem
	for _, s := range w.items {
		if s.wi.State != "new" || s.wi.NextRun > now {
			continue
		}
		if (req.Wiq != "" && s.wi.Wiq == req.Wiq) || (req.WiqID != "" && s.wi.WiqID == req.WiqID) {
			due = append(due, s)
		}
	}
	if len(due) == 0 {
		w.mu.Unlock()
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].wi.Priority != due[j].wi.Priority {
			return due[i].wi.Priority < due[j].wi.Priority
		}
		return due[i].seq < due[j].seq
	})
	s := due[0]
	s.wi.State = "processing"
	s.wi.LastRun = now
	wi := snapshot(s)
	contents := make(map[string][]byte, len(s.contents))
	for k, v := range s.contents {
		contents[k] = v
	}
	w.mu.Unlock()

	if folder != "" {
		for _, f := range wi.Files {
			if err := os.WriteFile(filepath.Join(folder, f.Filename), contents[f.ID], 0o644); err != nil {
				return nil, err
			}
		}
	}
	return wi, nil
}

func (w *workQueues) update(req record.UpdateWorkitemRequest) (*record.Workitem, error) {
	if req.Workitem == nil || req.Workitem.ID == "" {
		return nil, fmt.Errorf("workitem with id is required")
	}
	in := req.Workitem
	switch in.State {
	case "new", "processing", "successful", "failed", "retry":
	default:
		return nil, fmt.Errorf("Invalid state %q", in.State)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.items[in.ID]
	if !ok {
		return nil, fmt.Errorf("Workitem %s not found", in.ID)
	}
	if err := s.attach(req.Files); err != nil {
		return nil, err
	}
	if in.Name != "" {
		s.wi.Name = in.Name
	}
	if in.Payload != "" {
		s.wi.Payload = in.Payload
	}
	s.wi.Priority = in.Priority
	s.wi.ErrorMessage, s.wi.ErrorSource, s.wi.ErrorType = in.ErrorMessage, in.ErrorSource, in.ErrorType
	s.wi.State = in.State

	switch in.State {
	case "retry":
		s.wi.Retries++
		if s.wi.Retries >= maxRetries && !req.IgnoreMaxRetries {
			s.wi.State = "failed"
		} else {
			s.wi.State = "new"
		}
	case "successful":
		if s.wi.SuccessWiq != "" {
			s.wi.Wiq, s.wi.WiqID, s.wi.State = s.wi.SuccessWiq, s.wi.SuccessWiqID, "new"
		}
	}
	if s.wi.State == "failed" && s.wi.FailedWiq != "" {
		s.wi.Wiq, s.wi.WiqID, s.wi.State = s.wi.FailedWiq, s.wi.FailedWiqID, "new"
	}
	return snapshot(s), nil
}

func (w *workQueues) remove(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.items[id]; !ok {
		return fmt.Errorf("Workitem %s not found", id)
	}
	delete(w.items, id)
	return nil
}
