package nativetest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/segmentio/ksuid"

	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

type document = map[string]any

type collection struct {
	docs    []document
	indexes []document
}

type storedFile struct {
	collection string
	filename   string
	mimetype   string
	metadata   string
	content    []byte
}

// store is the document database behind the query and mutation symbols.
type store struct {
	l *Library

	mu    sync.Mutex
	colls map[string]*collection
	files map[string]storedFile
}

func newStore(l *Library) *store {
	return &store{l: l, colls: make(map[string]*collection), files: make(map[string]storedFile)}
}

func newID() string {
	return ksuid.New().String()
}

func newCollection() *collection {
	return &collection{indexes: []document{{"name": "_id_", "key": document{"_id": float64(1)}}}}
}

// coll returns the named collection, creating it on first write.
func (s *store) coll(name string, create bool) *collection {
	c, ok := s.colls[name]
	if !ok && create {
		c = newCollection()
		s.colls[name] = c
	}
	return c
}

func (s *store) call(sym string, args []uintptr) uintptr {
	l := s.l
	_, msg := l.connectedClient(args[0])
	switch sym {
	case native.SymQuery:
		var req record.QueryRequest
		l.decode(sym, args[1], &req)
		return s.results(native.SymFreeQueryResponse, req.RequestID, msg, func() (string, error) { return s.query(req) })
	case native.SymAggregate:
		var req record.AggregateRequest
		l.decode(sym, args[1], &req)
		return s.results(native.SymFreeAggregateResponse, req.RequestID, msg, func() (string, error) { return s.aggregate(req) })
	case native.SymListCollections:
		return s.results(native.SymFreeListCollectionsResponse, 0, msg, s.listCollections)
	case native.SymGetIndexes:
		name := goString(args[1])
		return s.results(native.SymFreeGetIndexesResponse, 0, msg, func() (string, error) { return s.getIndexes(name) })
	case native.SymInsertMany:
		var req record.InsertManyRequest
		l.decode(sym, args[1], &req)
		return s.results(native.SymFreeInsertManyResponse, req.RequestID, msg, func() (string, error) { return s.insertMany(req) })

	case native.SymInsertOne:
		var req record.InsertOneRequest
		l.decode(sym, args[1], &req)
		return s.result(native.SymFreeInsertOneResponse, req.RequestID, msg, func() (string, error) {
			return s.insert(req.CollectionName, req.Item)
		})
	case native.SymUpdateOne:
		var req record.UpdateOneRequest
		l.decode(sym, args[1], &req)
		return s.result(native.SymFreeUpdateOneResponse, req.RequestID, msg, func() (string, error) {
			return s.update(req.CollectionName, req.Item)
		})
	case native.SymInsertOrUpdateOne:
		var req record.InsertOrUpdateOneRequest
		l.decode(sym, args[1], &req)
		return s.result(native.SymFreeInsertOrUpdateOneResponse, req.RequestID, msg, func() (string, error) {
			return s.upsert(req)
		})

	case native.SymCount:
		var req record.CountRequest
		l.decode(sym, args[1], &req)
		resp := &record.CountResponse{RequestID: req.RequestID}
		s.fill(&resp.Success, &resp.Error, msg, func() error {
			n, err := s.count(req.CollectionName, req.Query)
			resp.Result = int32(n)
			return err
		})
		return l.heap.publish(resp, native.SymFreeCountResponse)
	case native.SymDistinct:
		var req record.DistinctRequest
		l.decode(sym, args[1], &req)
		resp := &record.DistinctResponse{RequestID: req.RequestID}
		s.fill(&resp.Success, &resp.Error, msg, func() (err error) {
			resp.Results, err = s.distinct(req)
			return err
		})
		return l.heap.publish(resp, native.SymFreeDistinctResponse)

	case native.SymCreateCollection:
		var req record.CreateCollectionRequest
		l.decode(sym, args[1], &req)
		return s.status(native.SymFreeCreateCollectionResponse, req.RequestID, msg, func() error {
			return s.createCollection(req.CollectionName)
		})
	case native.SymDropCollection:
		name := goString(args[1])
		return s.status(native.SymFreeDropCollectionResponse, 0, msg, func() error { return s.dropCollection(name) })
	case native.SymCreateIndex:
		var req record.CreateIndexRequest
		l.decode(sym, args[1], &req)
		return s.status(native.SymFreeCreateIndexResponse, req.RequestID, msg, func() error { return s.createIndex(req) })
	case native.SymDropIndex:
		coll, name := goString(args[1]), goString(args[2])
		return s.status(native.SymFreeDropIndexResponse, 0, msg, func() error { return s.dropIndex(coll, name) })

	case native.SymDeleteOne:
		var req record.DeleteOneRequest
		l.decode(sym, args[1], &req)
		resp := &record.DeleteResponse{RequestID: req.RequestID}
		s.fill(&resp.Success, &resp.Error, msg, func() error {
			resp.AffectedRows = int32(s.deleteIDs(req.CollectionName, []string{req.ID}))
			return nil
		})
		return l.heap.publish(resp, native.SymFreeDeleteOneResponse)
	case native.SymDeleteMany:
		var req record.DeleteManyRequest
		l.decode(sym, args[1], &req)
		resp := &record.DeleteResponse{RequestID: req.RequestID}
		s.fill(&resp.Success, &resp.Error, msg, func() error {
			n, err := s.deleteMany(req)
			resp.AffectedRows = int32(n)
			return err
		})
		return l.heap.publish(resp, native.SymFreeDeleteManyResponse)

	case native.SymUpload:
		var req record.UploadRequest
		l.decode(sym, args[1], &req)
		resp := &record.UploadResponse{RequestID: req.RequestID}
		s.fill(&resp.Success, &resp.Error, msg, func() (err error) {
			resp.ID, err = s.upload(req)
			return err
		})
		return l.heap.publish(resp, native.SymFreeUploadResponse)
	case native.SymDownload:
		var req record.DownloadRequest
		l.decode(sym, args[1], &req)
		resp := &record.DownloadResponse{RequestID: req.RequestID}
		s.fill(&resp.Success, &resp.Error, msg, func() (err error) {
			resp.Filename, err = s.download(req)
			return err
		})
		return l.heap.publish(resp, native.SymFreeDownloadResponse)
	}
	panic("nativetest: store cannot serve " + sym)
}

// fill runs op unless the client precondition already failed, and maps
// the outcome onto a success flag and error text.
func (s *store) fill(success *bool, errText *string, precondition string, op func() error) {
	if precondition != "" {
		*errText = precondition
		return
	}
	if err := op(); err != nil {
		*errText = err.Error()
		return
	}
	*success = true
}

func (s *store) results(freeSym string, id int32, msg string, op func() (string, error)) uintptr {
	resp := &record.ResultsResponse{RequestID: id}
	s.fill(&resp.Success, &resp.Error, msg, func() (err error) {
		resp.Results, err = op()
		return err
	})
	return s.l.heap.publish(resp, freeSym)
}

func (s *store) result(freeSym string, id int32, msg string, op func() (string, error)) uintptr {
	resp := &record.ResultResponse{RequestID: id}
	s.fill(&resp.Success, &resp.Error, msg, func() (err error) {
		resp.Result, err = op()
		return err
	})
	return s.l.heap.publish(resp, freeSym)
}

func (s *store) status(freeSym string, id int32, msg string, op func() error) uintptr {
	resp := &record.StatusResponse{RequestID: id}
	s.fill(&resp.Success, &resp.Error, msg, op)
	return s.l.heap.publish(resp, freeSym)
}

func parseFilter(text string) (document, error) {
	if strings.TrimSpace(text) == "" {
		return document{}, nil
	}
	var f document
	if err := json.Unmarshal([]byte(text), &f); err != nil {
		return nil, fmt.Errorf("invalid query: %v", err)
	}
	return f, nil
}

// matches supports field equality and $in, which is all the tests need.
func matches(doc, filter document) bool {
	for k, want := range filter {
		got, ok := lookup(doc, k)
		if cond, isOp := want.(map[string]any); isOp {
			if in, ok := cond["$in"].([]any); ok {
				hit := false
				for _, v := range in {
					if reflect.DeepEqual(got, v) {
						hit = true
						break
					}
				}
				if !hit {
					return false
				}
				continue
			}
		}
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func lookup(doc document, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func (s *store) find(collName, query string) ([]document, error) {
	f, err := parseFilter(query)
	if err != nil {
		return nil, err
	}
	c := s.coll(collName, false)
	if c == nil {
		return nil, nil
	}
	var out []document
	for _, d := range c.docs {
		if matches(d, f) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *store) query(req record.QueryRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := s.find(req.CollectionName, req.Query)
	if err != nil {
		return "", err
	}
	if req.OrderBy != "" {
		sortDocs(docs, req.OrderBy)
	}
	if skip := int(req.Skip); skip > 0 {
		if skip >= len(docs) {
			docs = nil
		} else {
			docs = docs[skip:]
		}
	}
	top := int(req.Top)
	if top <= 0 {
		top = 100
	}
	if len(docs) > top {
		docs = docs[:top]
	}
	if req.Projection != "" {
		proj, err := parseFilter(req.Projection)
		if err != nil {
			return "", err
		}
		docs = project(docs, proj)
	}
	return marshal(docs)
}

// sortDocs orders by one field given as a name or {"field": 1|-1}.
func sortDocs(docs []document, orderBy string) {
	field, dir := orderBy, 1.0
	if o, err := parseFilter(orderBy); err == nil {
		for k, v := range o {
			field = k
			if n, ok := v.(float64); ok && n < 0 {
				dir = -1
			}
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, _ := lookup(docs[i], field)
		b, _ := lookup(docs[j], field)
		less := fmt.Sprint(a) < fmt.Sprint(b)
		if x, ok := a.(float64); ok {
			if y, ok := b.(float64); ok {
				less = x < y
			}
		}
		if dir < 0 {
			return !less && fmt.Sprint(a) != fmt.Sprint(b)
		}
		return less
	})
}

func project(docs []document, proj document) []document {
	out := make([]document, len(docs))
	for i, d := range docs {
		p := document{"_id": d["_id"]}
		for k := range proj {
			if v, ok := d[k]; ok {
				p[k] = v
			}
		}
		out[i] = p
	}
	return out
}

func marshal(v any) (string, error) {
	if v == nil || (reflect.ValueOf(v).Kind() == reflect.Slice && reflect.ValueOf(v).Len() == 0) {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

// aggregate honours $match, $skip and $limit stages.
func (s *store) aggregate(req record.AggregateRequest) (string, error) {
	var stages []document
	if err := json.Unmarshal([]byte(req.Aggregates), &stages); err != nil {
		return "", fmt.Errorf("invalid pipeline: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, _ := s.find(req.CollectionName, "")
	for _, st := range stages {
		switch {
		case st["$match"] != nil:
			m, _ := st["$match"].(map[string]any)
			var kept []document
			for _, d := range docs {
				if matches(d, m) {
					kept = append(kept, d)
				}
			}
			docs = kept
		case st["$skip"] != nil:
			n, _ := st["$skip"].(float64)
			if int(n) >= len(docs) {
				docs = nil
			} else {
				docs = docs[int(n):]
			}
		case st["$limit"] != nil:
			n, _ := st["$limit"].(float64)
			if int(n) < len(docs) {
				docs = docs[:int(n)]
			}
		}
	}
	return marshal(docs)
}

func (s *store) count(coll, query string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := s.find(coll, query)
	return len(docs), err
}

func (s *store) distinct(req record.DistinctRequest) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := s.find(req.CollectionName, req.Query)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, d := range docs {
		v, ok := lookup(d, req.Field)
		if !ok {
			continue
		}
		str, isStr := v.(string)
		if !isStr {
			b, _ := json.Marshal(v)
			str = string(b)
		}
		if !seen[str] {
			seen[str] = true
			out = append(out, str)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *store) listCollections() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.colls))
	for n := range s.colls {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]document, len(names))
	for i, n := range names {
		out[i] = document{"name": n, "type": "collection"}
	}
	return marshal(out)
}

func (s *store) createCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		return fmt.Errorf("collection name is required")
	}
	if _, ok := s.colls[name]; ok {
		return fmt.Errorf("collection %s already exists", name)
	}
	s.colls[name] = newCollection()
	return nil
}

func (s *store) dropCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.colls[name]; !ok {
		return fmt.Errorf("ns not found: %s", name)
	}
	delete(s.colls, name)
	return nil
}

func (s *store) getIndexes(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(name, false)
	if c == nil {
		return "", fmt.Errorf("ns not found: %s", name)
	}
	return marshal(c.indexes)
}

func (s *store) createIndex(req record.CreateIndexRequest) error {
	key, err := parseFilter(req.Index)
	if err != nil || len(key) == 0 {
		return fmt.Errorf("invalid index specification %q", req.Index)
	}
	name := req.Name
	if name == "" {
		keys := make([]string, 0, len(key))
		for k, v := range key {
			keys = append(keys, fmt.Sprintf("%s_%v", k, v))
		}
		sort.Strings(keys)
		name = strings.Join(keys, "_")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(req.CollectionName, true)
	for _, ix := range c.indexes {
		if ix["name"] == name {
			return fmt.Errorf("index %s already exists", name)
		}
	}
	c.indexes = append(c.indexes, document{"name": name, "key": key})
	return nil
}

func (s *store) dropIndex(coll, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(coll, false)
	if c == nil {
		return fmt.Errorf("ns not found: %s", coll)
	}
	for i, ix := range c.indexes {
		if ix["name"] == name {
			c.indexes = append(c.indexes[:i], c.indexes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("index not found with name [%s]", name)
}

func parseDocument(item string) (document, error) {
	var d document
	if err := json.Unmarshal([]byte(item), &d); err != nil {
		return nil, fmt.Errorf("invalid item: %v", err)
	}
	if d == nil {
		return nil, fmt.Errorf("item must be a JSON object")
	}
	return d, nil
}

func (s *store) insert(coll, item string) (string, error) {
	d, err := parseDocument(item)
	if err != nil {
		return "", err
	}
	out, err := s.insertDoc(coll, d)
	if err != nil {
		return "", err
	}
	s.l.bus.notifyWatches(coll, "insert", out)
	return out, nil
}

func (s *store) insertDoc(coll string, d document) (string, error) {
	if _, ok := d["_id"]; !ok {
		d["_id"] = newID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(coll, true)
	for _, e := range c.docs {
		if e["_id"] == d["_id"] {
			return "", fmt.Errorf("E11000 duplicate key error collection: %s dup key: { _id: %v }", coll, d["_id"])
		}
	}
	c.docs = append(c.docs, d)
	b, err := json.Marshal(d)
	return string(b), err
}

func (s *store) insertMany(req record.InsertManyRequest) (string, error) {
	var items []document
	if err := json.Unmarshal([]byte(req.Items), &items); err != nil {
		return "", fmt.Errorf("invalid items: %v", err)
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, d := range items {
		j, err := s.insertDoc(req.CollectionName, d)
		if err != nil {
			return "", err
		}
		s.l.bus.notifyWatches(req.CollectionName, "insert", j)
		out = append(out, json.RawMessage(j))
	}
	if req.SkipResults {
		return "[]", nil
	}
	return marshal(out)
}

func (s *store) update(coll, item string) (string, error) {
	d, err := parseDocument(item)
	if err != nil {
		return "", err
	}
	id, ok := d["_id"]
	if !ok {
		return "", fmt.Errorf("_id is required for update")
	}
	s.mu.Lock()
	c := s.coll(coll, false)
	found := false
	if c != nil {
		for i, e := range c.docs {
			if e["_id"] == id {
				c.docs[i] = d
				found = true
				break
			}
		}
	}
	s.mu.Unlock()
	if !found {
		return "", fmt.Errorf("item with _id %v not found in %s", id, coll)
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	s.l.bus.notifyWatches(coll, "replace", string(b))
	return string(b), nil
}

// upsert matches on the comma separated uniqueness fields, _id by default.
func (s *store) upsert(req record.InsertOrUpdateOneRequest) (string, error) {
	d, err := parseDocument(req.Item)
	if err != nil {
		return "", err
	}
	fields := []string{"_id"}
	if req.Uniqeness != "" {
		fields = strings.Split(req.Uniqeness, ",")
	}
	filter := document{}
	for _, f := range fields {
		if v, ok := d[strings.TrimSpace(f)]; ok {
			filter[strings.TrimSpace(f)] = v
		}
	}
	var existing document
	if len(filter) == len(fields) {
		s.mu.Lock()
		docs, _ := s.find(req.CollectionName, "")
		for _, e := range docs {
			if matches(e, filter) {
				existing = e
				break
			}
		}
		s.mu.Unlock()
	}
	if existing == nil {
		return s.insert(req.CollectionName, req.Item)
	}
	d["_id"] = existing["_id"]
	b, _ := json.Marshal(d)
	return s.update(req.CollectionName, string(b))
}

func (s *store) deleteIDs(coll string, ids []string) int {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	s.mu.Lock()
	c := s.coll(coll, false)
	var removed []document
	if c != nil {
		kept := c.docs[:0]
		for _, d := range c.docs {
			if id, _ := d["_id"].(string); want[id] {
				removed = append(removed, d)
				continue
			}
			kept = append(kept, d)
		}
		c.docs = kept
	}
	s.mu.Unlock()
	for _, d := range removed {
		b, _ := json.Marshal(d)
		s.l.bus.notifyWatches(coll, "delete", string(b))
	}
	return len(removed)
}

func (s *store) deleteMany(req record.DeleteManyRequest) (int, error) {
	if len(req.Ids) > 0 {
		return s.deleteIDs(req.CollectionName, req.Ids), nil
	}
	if req.Query == "" {
		return 0, fmt.Errorf("either query or ids is required")
	}
	s.mu.Lock()
	docs, err := s.find(req.CollectionName, req.Query)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if id, ok := d["_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return s.deleteIDs(req.CollectionName, ids), nil
}

func (s *store) upload(req record.UploadRequest) (string, error) {
	content, err := os.ReadFile(req.Filepath)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %v", req.Filepath, err)
	}
	name := req.Filename
	if name == "" {
		name = filepath.Base(req.Filepath)
	}
	coll := req.CollectionName
	if coll == "" {
		coll = "fs"
	}
	id := newID()
	s.mu.Lock()
	s.files[id] = storedFile{collection: coll, filename: name, mimetype: req.Mimetype, metadata: req.Metadata, content: content}
	s.mu.Unlock()
	return id, nil
}

func (s *store) download(req record.DownloadRequest) (string, error) {
	s.mu.Lock()
	f, ok := s.files[req.ID]
	s.mu.Unlock()
	coll := req.CollectionName
	if coll == "" {
		coll = "fs"
	}
	if !ok || f.collection != coll {
		return "", fmt.Errorf("file %s not found in %s", req.ID, coll)
	}
	name := req.Filename
	if name == "" {
		name = f.filename
	}
	folder := req.Folder
	if folder == "" {
		folder = "."
	}
	if err := os.WriteFile(filepath.Join(folder, name), f.content, 0o644); err != nil {
		return "", err
	}
	return name, nil
}
