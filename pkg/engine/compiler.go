package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Compiler turns rendered high data into an ordered low instruction sequence.
// Compilation is a pure function of the documents and the registry.
type Compiler struct {
	registry *Registry
}

// NewCompiler creates a compiler that checks module.function pairs against
// registry. A nil registry disables that check.
func NewCompiler(registry *Registry) *Compiler {
	return &Compiler{registry: registry}
}

// CompileDocuments merges documents in order and compiles the result.
// Instructions keep the document order of their sources.
func (c *Compiler) CompileDocuments(docs []Document) ([]LowInstruction, error) {
	high, err := MergeDocuments(docs)
	if err != nil {
		return nil, err
	}

	ranks := make(map[string]int, len(docs))
	for i, doc := range docs {
		if _, ok := ranks[doc.Source]; !ok {
			ranks[doc.Source] = i
		}
	}
	return compile(high, c.registry, ranks)
}

// Compile compiles already merged high data.
func (c *Compiler) Compile(high HighData) ([]LowInstruction, error) {
	return compile(high, c.registry, nil)
}

// Compile compiles high data against registry.
func Compile(high HighData, registry *Registry) ([]LowInstruction, error) {
	return compile(high, registry, nil)
}

// MergeDocuments flattens rendered documents into one HighData. A declared id
// defined by several documents takes the later definition. Exclude directives
// are applied next, then extend directives.
func MergeDocuments(docs []Document) (HighData, error) {
	high := make(HighData)
	var errs []error

	type directive struct {
		source string
		value  any
	}
	var excludes, extends []directive

	for _, doc := range docs {
		for _, key := range sortedKeys(doc.Data) {
			value := doc.Data[key]
			switch key {
			case KeyInclude:
				continue
			case KeyExclude:
				excludes = append(excludes, directive{doc.Source, value})
				continue
			case KeyExtend:
				extends = append(extends, directive{doc.Source, value})
				continue
			}

			decl, ok := value.(map[string]any)
			if !ok {
				errs = append(errs, &CompileError{
					Kind:       CompileErrorMalformed,
					Source:     doc.Source,
					DeclaredID: key,
					Message:    fmt.Sprintf("declaration must be a mapping, got %T", value),
				})
				continue
			}
			decl = copyMap(decl)
			if _, ok := decl[KeySource]; !ok {
				decl[KeySource] = doc.Source
			}
			high[key] = decl
		}
	}

	for _, d := range excludes {
		if err := applyExclude(high, d.source, d.value); err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range extends {
		errs = append(errs, applyExtend(high, d.source, d.value)...)
	}

	return high, errors.Join(errs...)
}

func applyExclude(high HighData, source string, value any) error {
	entries, ok := value.([]any)
	if !ok {
		return &CompileError{Kind: CompileErrorMalformed, Source: source,
			Message: fmt.Sprintf("exclude must be a list, got %T", value)}
	}

	for _, entry := range entries {
		switch e := entry.(type) {
		case string:
			delete(high, e)
		case map[string]any:
			if id, ok := e["id"].(string); ok {
				delete(high, id)
			}
			if sls, ok := e["sls"].(string); ok {
				for declared, decl := range high {
					if s, _ := decl[KeySource].(string); s == sls {
						delete(high, declared)
					}
				}
			}
		default:
			return &CompileError{Kind: CompileErrorMalformed, Source: source,
				Message: fmt.Sprintf("invalid exclude entry %v", entry)}
		}
	}
	return nil
}

func applyExtend(high HighData, source string, value any) []error {
	ext, ok := value.(map[string]any)
	if !ok {
		return []error{&CompileError{Kind: CompileErrorMalformed, Source: source,
			Message: fmt.Sprintf("extend must be a mapping, got %T", value)}}
	}

	var errs []error
	for _, declared := range sortedKeys(ext) {
		decl, exists := high[declared]
		if !exists {
			errs = append(errs, &CompileError{Kind: CompileErrorExtend, Source: source,
				DeclaredID: declared, Message: "cannot extend an undeclared id"})
			continue
		}
		body, ok := ext[declared].(map[string]any)
		if !ok {
			errs = append(errs, &CompileError{Kind: CompileErrorMalformed, Source: source,
				DeclaredID: declared, Message: "extend body must be a mapping"})
			continue
		}

		for _, key := range sortedKeys(body) {
			addition := copyValue(body[key])
			if isReservedKey(key) {
				if IsRequisiteKind(key) {
					decl[key] = appendList(decl[key], addition)
				} else {
					decl[key] = addition
				}
				continue
			}
			list, ok := addition.([]any)
			if !ok {
				errs = append(errs, &CompileError{Kind: CompileErrorMalformed, Source: source,
					DeclaredID: declared, Message: fmt.Sprintf("extend of %s must be a list", key)})
				continue
			}
			existing, _ := decl[key].([]any)
			decl[key] = mergeArgList(existing, list)
		}
	}
	return errs
}

// mergeArgList overlays additions onto an argument list: a single-key mapping
// replaces the entry with the same key, requisite lists are concatenated.
func mergeArgList(existing, additions []any) []any {
	out := append([]any(nil), existing...)
	for _, add := range additions {
		m, ok := add.(map[string]any)
		if !ok || len(m) != 1 {
			if s, isStr := add.(string); isStr && containsString(out, s) {
				continue
			}
			out = append(out, add)
			continue
		}
		key, val := singleEntry(m)
		replaced := false
		for i, cur := range out {
			cm, ok := cur.(map[string]any)
			if !ok || len(cm) != 1 {
				continue
			}
			if curVal, found := cm[key]; found {
				if IsRequisiteKind(key) {
					out[i] = map[string]any{key: appendList(curVal, val)}
				} else {
					out[i] = map[string]any{key: val}
				}
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, add)
		}
	}
	return out
}

type compiledEntry struct {
	instr    LowInstruction
	declared string
	rank     int
}

func compile(high HighData, registry *Registry, ranks map[string]int) ([]LowInstruction, error) {
	var (
		entries []compiledEntry
		errs    []error
		seen    = make(map[string]string)
	)

	for _, declared := range sortedKeys(high) {
		instrs, declErrs := compileDeclaration(declared, high[declared], registry)
		errs = append(errs, declErrs...)

		for _, instr := range instrs {
			if prev, dup := seen[instr.ID]; dup {
				errs = append(errs, &CompileError{
					Kind:       CompileErrorDuplicateID,
					Source:     instr.Source,
					DeclaredID: declared,
					ID:         instr.ID,
					Message:    fmt.Sprintf("instruction id already declared by %q", prev),
				})
				continue
			}
			seen[instr.ID] = declared
			rank := 0
			if ranks != nil {
				if r, ok := ranks[instr.Source]; ok {
					rank = r
				} else {
					rank = len(ranks)
				}
			}
			entries = append(entries, compiledEntry{instr: instr, declared: declared, rank: rank})
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if ra, rb := a.instr.orderRank(), b.instr.orderRank(); ra != rb {
			return ra < rb
		}
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if a.instr.Source != b.instr.Source {
			return a.instr.Source < b.instr.Source
		}
		if a.declared != b.declared {
			return a.declared < b.declared
		}
		return a.instr.Ref() < b.instr.Ref()
	})

	out := make([]LowInstruction, len(entries))
	for i, e := range entries {
		out[i] = e.instr
	}
	return out, nil
}

func compileDeclaration(declared string, decl map[string]any, registry *Registry) ([]LowInstruction, []error) {
	var errs []error
	source := stringValue(decl[KeySource])

	fail := func(kind CompileErrorKind, id, format string, args ...any) {
		errs = append(errs, &CompileError{
			Kind:       kind,
			Source:     source,
			DeclaredID: declared,
			ID:         id,
			Message:    fmt.Sprintf(format, args...),
		})
	}

	declID := declared
	if v, ok := decl[KeyID]; ok {
		s, isStr := v.(string)
		if !isStr || s == "" {
			fail(CompileErrorMalformed, "", "%s must be a non-empty string", KeyID)
			return nil, errs
		}
		declID = s
	}

	declName := declared
	if v, ok := decl[KeyName]; ok {
		declName = stringValue(v)
	}

	var declOrder *int
	if v, ok := decl[KeyOrder]; ok && isOrderHint(v) {
		o, err := parseOrder(v)
		if err != nil {
			fail(CompileErrorMalformed, "", "%v", err)
		}
		declOrder = o
	}

	declReqs := make(map[RequisiteKind][]Reference)
	for _, kind := range RequisiteKinds {
		v, ok := decl[string(kind)]
		if !ok || (kind == RequisiteOrder && isOrderHint(v)) {
			continue
		}
		refs, err := parseRefs(v)
		if err != nil {
			fail(CompileErrorMalformed, "", "%s: %v", kind, err)
			continue
		}
		declReqs[kind] = refs
	}

	var stateKeys []string
	for _, key := range sortedKeys(decl) {
		if !isReservedKey(key) {
			stateKeys = append(stateKeys, key)
		}
	}
	if len(stateKeys) == 0 {
		fail(CompileErrorMalformed, "", "declaration has no module.function entries")
		return nil, errs
	}

	var out []LowInstruction
	for _, key := range stateKeys {
		module, function, _ := strings.Cut(key, ".")

		var list []any
		switch v := decl[key].(type) {
		case []any:
			list = v
		case nil:
		default:
			fail(CompileErrorMalformed, "", "%s must be a list of single-key mappings, got %T", key, v)
			continue
		}

		args := make(map[string]any)
		reqs := make(map[RequisiteKind][]Reference, len(declReqs))
		for k, refs := range declReqs {
			reqs[k] = append([]Reference(nil), refs...)
		}
		order := declOrder
		ok := true

		for i, elem := range list {
			switch e := elem.(type) {
			case string:
				if function != "" {
					fail(CompileErrorMalformed, "", "%s: unexpected bare value %q", key, e)
					ok = false
					continue
				}
				function = e
			case map[string]any:
				if len(e) != 1 {
					fail(CompileErrorMalformed, "", "%s: argument %d must be a single-key mapping", key, i)
					ok = false
					continue
				}
				k, v := singleEntry(e)
				switch {
				case k == KeyOrder && isOrderHint(v):
					o, err := parseOrder(v)
					if err != nil {
						fail(CompileErrorMalformed, "", "%s: %v", key, err)
						ok = false
						continue
					}
					order = o
				case IsRequisiteKind(k):
					refs, err := parseRefs(v)
					if err != nil {
						fail(CompileErrorMalformed, "", "%s: %s: %v", key, k, err)
						ok = false
						continue
					}
					reqs[RequisiteKind(k)] = append(reqs[RequisiteKind(k)], refs...)
				default:
					if _, dup := args[k]; dup {
						fail(CompileErrorDuplicateArgument, "", "%s: argument %q given more than once", key, k)
						ok = false
						continue
					}
					args[k] = copyValue(v)
				}
			default:
				fail(CompileErrorMalformed, "", "%s: argument %d must be a single-key mapping, got %T", key, i, elem)
				ok = false
			}
		}

		if function == "" {
			fail(CompileErrorMalformed, "", "%s: no function given", key)
			continue
		}
		if !ok {
			continue
		}

		name := declName
		if v, given := args[KeyName]; given {
			name = stringValue(v)
		}
		args[KeyName] = name

		id := InstructionID(source, declID, module, function)
		if registry != nil && !registry.Has(module, function) {
			fail(CompileErrorUnknownFunction, id, "no handler registered for %s.%s", module, function)
			continue
		}

		for k, refs := range reqs {
			reqs[k] = dedupeRefs(refs)
			if len(reqs[k]) == 0 {
				delete(reqs, k)
			}
		}
		if len(reqs) == 0 {
			reqs = nil
		}

		out = append(out, LowInstruction{
			ID:         id,
			DeclaredID: declID,
			Source:     source,
			Module:     module,
			Function:   function,
			Name:       name,
			Arguments:  args,
			Requisites: reqs,
			Order:      order,
		})
	}
	return out, errs
}

// parseRefs accepts a bare target, a {module: target} mapping, or a list of either.
func parseRefs(v any) ([]Reference, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []Reference{{Target: t}}, nil
	case map[string]any:
		return refsFromMap(t)
	case []any:
		var out []Reference
		for _, item := range t {
			refs, err := parseRefs(item)
			if err != nil {
				return nil, err
			}
			out = append(out, refs...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid requisite reference %v (%T)", v, v)
	}
}

func refsFromMap(m map[string]any) ([]Reference, error) {
	var out []Reference
	for _, module := range sortedKeys(m) {
		switch target := m[module].(type) {
		case string:
			out = append(out, Reference{Module: module, Target: target})
		case []any:
			for _, item := range target {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("invalid requisite target %v under %s", item, module)
				}
				out = append(out, Reference{Module: module, Target: s})
			}
		default:
			out = append(out, Reference{Module: module, Target: stringValue(target)})
		}
	}
	return out, nil
}

func dedupeRefs(refs []Reference) []Reference {
	seen := make(map[Reference]bool, len(refs))
	out := refs[:0:0]
	for _, r := range refs {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// isOrderHint reports whether an order value is a sequence hint. Scalars
// (integers, "first", "last") are hints; a list or mapping holds order
// requisite references.
func isOrderHint(v any) bool {
	switch v.(type) {
	case []any, map[string]any:
		return false
	default:
		return true
	}
}

// parseOrder accepts an integer, an integral float, or "first"/"last".
func parseOrder(v any) (*int, error) {
	var n int
	switch t := v.(type) {
	case nil:
		return nil, nil
	case int:
		n = t
	case int64:
		n = int(t)
	case uint64:
		n = int(t)
	case float64:
		if t != math.Trunc(t) {
			return nil, fmt.Errorf("order must be an integer, got %v", t)
		}
		n = int(t)
	case string:
		switch t {
		case "first":
			n = OrderFirst
		case "last":
			n = OrderLast
		default:
			parsed, err := strconv.Atoi(t)
			if err != nil {
				return nil, fmt.Errorf("order must be an integer, \"first\" or \"last\", got %q", t)
			}
			n = parsed
		}
	default:
		return nil, fmt.Errorf("order must be an integer, got %T", v)
	}
	if n < OrderFirst {
		n = OrderFirst
	}
	if n > OrderLast {
		n = OrderLast
	}
	return &n, nil
}

func isReservedKey(key string) bool {
	if key == KeySource || key == KeyID || key == KeyName || key == KeyOrder {
		return true
	}
	return strings.HasPrefix(key, "__") || IsRequisiteKind(key)
}

func appendList(cur, add any) any {
	var out []any
	switch c := cur.(type) {
	case nil:
	case []any:
		out = append(out, c...)
	default:
		out = append(out, c)
	}
	switch a := add.(type) {
	case []any:
		out = append(out, a...)
	default:
		out = append(out, a)
	}
	return out
}

func singleEntry(m map[string]any) (string, any) {
	for k, v := range m {
		return k, v
	}
	return "", nil
}

func containsString(list []any, s string) bool {
	for _, item := range list {
		if str, ok := item.(string); ok && str == s {
			return true
		}
	}
	return false
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
