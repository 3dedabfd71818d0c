package rules

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"loadwarden.ai/internal/sim/item"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemaOnce      sync.Once
	weightSchema    *jsonschema.Schema
	containerSchema *jsonschema.Schema
	schemaErr       error
)

func entrySchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for _, name := range []string{"weight_entry.schema.json", "container_entry.schema.json"} {
			b, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemaErr = err
				return
			}
			if err := c.AddResource(name, bytes.NewReader(b)); err != nil {
				schemaErr = fmt.Errorf("%s: %w", name, err)
				return
			}
		}
		weightSchema, schemaErr = c.Compile("weight_entry.schema.json")
		if schemaErr != nil {
			return
		}
		containerSchema, schemaErr = c.Compile("container_entry.schema.json")
	})
	return weightSchema, containerSchema, schemaErr
}

// LoadIssue is one rejected entry (or unreadable file) found while loading.
type LoadIssue struct {
	File string
	Key  string
	Err  error
}

func (i LoadIssue) String() string {
	if i.Key == "" {
		return fmt.Sprintf("%s: %v", i.File, i.Err)
	}
	return fmt.Sprintf("%s: %s: %v", i.File, i.Key, i.Err)
}

// Result is a freshly loaded store plus everything that was skipped.
type Result struct {
	Store  *Store
	Issues []LoadIssue
}

// Load reads a rules directory:
//
//	items/<namespace>.json
//	containers/<category>.json
//	custom_tags/<group>.json
//	tags.json
//
// Missing files and subdirectories are allowed. Malformed or out-of-range
// entries are skipped and reported as issues; only an unreadable root
// directory is an error.
func Load(dir string) (Result, error) {
	if st, err := os.Stat(dir); err != nil {
		return Result{}, fmt.Errorf("rules dir: %w", err)
	} else if !st.IsDir() {
		return Result{}, fmt.Errorf("rules dir: %s is not a directory", dir)
	}
	ws, cs, err := entrySchemas()
	if err != nil {
		return Result{}, fmt.Errorf("entry schemas: %w", err)
	}

	l := &loader{b: NewBuilder(), weightSchema: ws, containerSchema: cs}

	itemFiles, err := jsonFiles(filepath.Join(dir, "items"))
	if err != nil {
		return Result{}, err
	}
	for _, p := range itemFiles {
		ns := strings.TrimSuffix(filepath.Base(p), ".json")
		l.loadItems(p, ns)
	}

	contFiles, err := jsonFiles(filepath.Join(dir, "containers"))
	if err != nil {
		return Result{}, err
	}
	for _, p := range contFiles {
		l.loadContainers(p, strings.TrimSuffix(filepath.Base(p), ".json"))
	}

	customFiles, err := jsonFiles(filepath.Join(dir, "custom_tags"))
	if err != nil {
		return Result{}, err
	}
	for _, p := range customFiles {
		l.loadCustomTags(p, strings.TrimSuffix(filepath.Base(p), ".json"))
	}

	tagsPath := filepath.Join(dir, "tags.json")
	if _, err := os.Stat(tagsPath); err == nil {
		l.loadTags(tagsPath)
	}

	s := l.b.Build()
	s.Digest = sha256Hex(l.concat.Bytes())
	s.LoadedAt = time.Now()
	return Result{Store: s, Issues: l.issues}, nil
}

// LoadAndLog is Load with every issue and a summary written to logger.
func LoadAndLog(dir string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	res, err := Load(dir)
	if err != nil {
		return nil, err
	}
	for _, is := range res.Issues {
		logger.Printf("skip %s", is)
	}
	st := res.Store.Stats()
	logger.Printf("loaded items=%d namespaces=%d tags=%d containers=%d/%d custom_tags=%d/%d skipped=%d digest=%s",
		st.Items, st.Namespaces, st.Tags, st.Containers, st.ContainerCategories,
		st.CustomTags, st.CustomTagGroups, len(res.Issues), shortDigest(res.Store.Digest))
	return res.Store, nil
}

type loader struct {
	b               *Builder
	weightSchema    *jsonschema.Schema
	containerSchema *jsonschema.Schema
	concat          bytes.Buffer
	issues          []LoadIssue
}

func (l *loader) issue(file, key string, err error) {
	l.issues = append(l.issues, LoadIssue{File: file, Key: key, Err: err})
}

// readObject reads a JSON object file and returns its entries in key order.
func (l *loader) readObject(path string) ([]string, map[string]json.RawMessage, bool) {
	name := relName(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		l.issue(name, "", err)
		return nil, nil, false
	}
	l.concat.WriteString(name)
	l.concat.WriteByte('\n')
	l.concat.Write(raw)
	l.concat.WriteByte('\n')

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		l.issue(name, "", err)
		return nil, nil, false
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, obj, true
}

func (l *loader) weightEntry(file, key string, raw json.RawMessage) (WeightEntry, bool) {
	var e WeightEntry
	if err := validateRaw(l.weightSchema, raw); err != nil {
		l.issue(file, key, err)
		return e, false
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		l.issue(file, key, err)
		return e, false
	}
	if err := e.Validate(); err != nil {
		l.issue(file, key, err)
		return e, false
	}
	return e, true
}

func (l *loader) loadItems(path, ns string) {
	file := relName(path)
	if _, err := item.ParseID(ns+":x", ""); err != nil {
		l.issue(file, "", fmt.Errorf("bad namespace %q", ns))
		return
	}
	keys, obj, ok := l.readObject(path)
	if !ok {
		return
	}
	for _, k := range keys {
		e, ok := l.weightEntry(file, k, obj[k])
		if !ok {
			continue
		}
		if k == NamespaceDefaultKey {
			l.b.NamespaceDefault(ns, e)
			continue
		}
		id, err := item.ParseID(k, ns)
		if err != nil {
			l.issue(file, k, err)
			continue
		}
		l.b.Item(id, e)
	}
}

func (l *loader) loadContainers(path, category string) {
	file := relName(path)
	keys, obj, ok := l.readObject(path)
	if !ok {
		return
	}
	for _, k := range keys {
		raw := obj[k]
		if err := validateRaw(l.containerSchema, raw); err != nil {
			l.issue(file, k, err)
			continue
		}
		var e ContainerEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			l.issue(file, k, err)
			continue
		}
		if err := e.Validate(); err != nil {
			l.issue(file, k, err)
			continue
		}
		id, err := item.ParseID(k, item.DefaultNamespace)
		if err != nil {
			l.issue(file, k, err)
			continue
		}
		l.b.Container(category, id, e)
	}
}

func (l *loader) loadCustomTags(path, group string) {
	file := relName(path)
	keys, obj, ok := l.readObject(path)
	if !ok {
		return
	}
	for _, k := range keys {
		e, ok := l.weightEntry(file, k, obj[k])
		if !ok {
			continue
		}
		id, err := item.ParseID(k, item.DefaultNamespace)
		if err != nil {
			l.issue(file, k, err)
			continue
		}
		l.b.CustomTag(group, id, e)
	}
}

func (l *loader) loadTags(path string) {
	file := relName(path)
	keys, obj, ok := l.readObject(path)
	if !ok {
		return
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, "#") {
			l.issue(file, k, fmt.Errorf("tag keys must start with '#'"))
			continue
		}
		e, ok := l.weightEntry(file, k, obj[k])
		if !ok {
			continue
		}
		tag, err := item.ParseID(k[1:], item.DefaultNamespace)
		if err != nil {
			l.issue(file, k, err)
			continue
		}
		l.b.Tag(tag.String(), e)
	}
}

func validateRaw(s *jsonschema.Schema, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return s.Validate(v)
}

func jsonFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func relName(path string) string {
	return filepath.Join(filepath.Base(filepath.Dir(path)), filepath.Base(path))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
