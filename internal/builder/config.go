package builder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/pelletier/go-toml/v2"
	"github.com/qobs-build/graft/internal/graph"
	"github.com/qobs-build/graft/internal/source"
)

var defaultProfiles = map[string]ProfileSection{
	"release": {
		OptLevel: 3,
	},
	"debug": {
		OptLevel: "", // no -O
		Debug:    true,
	},
}

const (
	ConfigFilename  = "Graft.toml"
	DefaultBuildDir = "build"
)

type Config struct {
	Project   ProjectSection            `toml:"project"`
	Sources   SourcesSection            `toml:"sources"`
	Toolchain ToolchainSection          `toml:"toolchain"`
	Profile   map[string]ProfileSection `toml:"profile"`
	Programs  []ProgramSection          `toml:"program"`
	Tests     []TestSection             `toml:"test"`
	Aliases   map[string][]string       `toml:"aliases"`
}

func (c Config) Profiles() []string {
	profiles := make([]string, 0, len(c.Profile))
	for k := range c.Profile {
		profiles = append(profiles, k)
	}
	slices.Sort(profiles)
	return profiles
}

// ProfileSection defines the [profile.*] section
type ProfileSection struct {
	// OptLevel is an integer (2) or a string ("s", "fast").
	OptLevel any      `toml:"opt-level"`
	Debug    bool     `toml:"debug"`
	Cflags   []string `toml:"cflags"`
}

// Opt returns the -O suffix for the profile, "" for none.
func (p ProfileSection) Opt() string {
	switch v := p.OptLevel.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	default:
		return ""
	}
}

// ProjectSection defines the [project] section
type ProjectSection struct {
	Name      string `toml:"name"`
	Script    string `toml:"script"`
	Aggregate string `toml:"aggregate"`
	BuildDir  string `toml:"build-dir"`
	Jobs      int    `toml:"jobs"`
}

// SourcesSection defines the [sources] section
type SourcesSection struct {
	TestDir    string `toml:"test-dir"`
	EntryExt   string `toml:"entry-ext"`
	IgnoreFile string `toml:"ignore-file"`
}

// ToolchainSection defines the [toolchain(.*)] section
type ToolchainSection struct {
	CC      string            `toml:"cc"`
	CXX     string            `toml:"cxx"`
	Cflags  []string          `toml:"cflags"`
	Defines map[string]string `toml:"defines"`
	Libs    []string          `toml:"libs"`
	Compile string            `toml:"compile"`
	Link    string            `toml:"link"`
}

// ProgramSection defines a [[program]] entry: library sources plus one entry point
type ProgramSection struct {
	Name    string   `toml:"name"`
	Entry   string   `toml:"entry"`
	Sources []string `toml:"sources"`
	Libs    []string `toml:"libs"`
	Aliases []string `toml:"aliases"`
}

// TestSection defines a [[test]] entry: a test runner over library and test sources
type TestSection struct {
	Name    string   `toml:"name"`
	Sources []string `toml:"sources"`
	Libs    []string `toml:"libs"`
	Aliases []string `toml:"aliases"`
}

// mergeStructs merges the fields of the src struct into the dst struct
func mergeStructs(dst, src any) error {
	dstVal := reflect.ValueOf(dst)
	if dstVal.Kind() != reflect.Pointer || dstVal.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dst must be a pointer to a struct")
	}

	dstElem := dstVal.Elem()
	srcVal := reflect.ValueOf(src)

	if srcVal.Kind() == reflect.Pointer {
		srcVal = srcVal.Elem()
	}

	if srcVal.Kind() != reflect.Struct {
		return fmt.Errorf("src must be a struct or a pointer to a struct")
	}

	if dstElem.Type() != srcVal.Type() {
		return fmt.Errorf("dst and src must be of the same struct type")
	}

	for i := range srcVal.NumField() {
		srcField := srcVal.Field(i)
		dstField := dstElem.Field(i)

		if !dstField.CanSet() {
			continue
		}

		switch dstField.Kind() {
		case reflect.Slice:
			if !srcField.IsNil() {
				dstField.Set(reflect.AppendSlice(dstField, srcField))
			}
		case reflect.Map:
			if !srcField.IsNil() {
				if dstField.IsNil() {
					dstField.Set(reflect.MakeMap(dstField.Type()))
				}
				for _, key := range srcField.MapKeys() {
					dstField.SetMapIndex(key, srcField.MapIndex(key))
				}
			}
		case reflect.Bool:
			dstField.SetBool(dstField.Bool() || srcField.Bool())
		default:
			if !srcField.IsZero() {
				dstField.Set(srcField)
			}
		}
	}

	return nil
}

func mustMarshal(v any) string {
	b, err := toml.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// unmarshalSection is a helper to parse sections without conditional logic
func unmarshalSection(rawCfg map[string]any, name string, dst any) error {
	if data, ok := rawCfg[name]; ok {
		if err := toml.Unmarshal([]byte(mustMarshal(data)), dst); err != nil {
			return fmt.Errorf("failed to parse [%s] section: %w", name, err)
		}
	}
	return nil
}

// unmarshalConditionalSection is a helper to parse, evaluate and merge multiple sections with conditional logic
func unmarshalConditionalSection[T any](rawCfg map[string]any, name string, dst *T, env ConfigEnv) error {
	sectionData, ok := rawCfg[name]
	if !ok {
		return nil
	}

	sectionMap, ok := sectionData.(map[string]any)
	if !ok {
		return fmt.Errorf("invalid [%s] section format: expected a table", name)
	}

	baseFields := make(map[string]any)
	conditionalFields := make(map[string]map[string]any)

	for key, val := range sectionMap {
		if subMap, ok := val.(map[string]any); ok {
			_, err := expr.Compile(key, expr.Env(env))
			if err == nil {
				conditionalFields[key] = subMap
			} else {
				baseFields[key] = val
			}
		} else {
			baseFields[key] = val
		}
	}

	if len(baseFields) > 0 {
		if err := toml.Unmarshal([]byte(mustMarshal(baseFields)), dst); err != nil {
			return fmt.Errorf("failed to parse base [%s] section: %w", name, err)
		}
	}

	for expression, condMap := range conditionalFields {
		program, err := expr.Compile(expression, expr.Env(env))
		if err != nil {
			return fmt.Errorf("failed to compile expression for [%s.%q]: %w", name, expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return fmt.Errorf("failed to run expression for [%s.%q]: %w", name, expression, err)
		}

		// merge sections if the result is true
		if matched, ok := result.(bool); !ok || !matched {
			continue
		}

		var condSection T
		if err := toml.Unmarshal([]byte(mustMarshal(condMap)), &condSection); err != nil {
			return fmt.Errorf("failed to parse conditional section [%s.%q]: %w", name, expression, err)
		}
		if err := mergeStructs(dst, condSection); err != nil {
			return fmt.Errorf("failed to merge conditional section [%s.%q]: %w", name, expression, err)
		}
	}

	return nil
}

var exprRegex = regexp.MustCompile(`\{\{(.+?)\}\}`)

// evaluateString finds and evaluates all {{...}} expressions in a string
func evaluateString(s string, env ConfigEnv) (string, error) {
	matches := exprRegex.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	var builder strings.Builder
	lastIndex := 0

	for _, matchIndexes := range matches {
		fullMatchStart := matchIndexes[0]
		fullMatchEnd := matchIndexes[1]
		expressionStart := matchIndexes[2]
		expressionEnd := matchIndexes[3]

		builder.WriteString(s[lastIndex:fullMatchStart])

		expression := strings.TrimSpace(s[expressionStart:expressionEnd])
		program, err := expr.Compile(expression, expr.Env(env))
		if err != nil {
			return "", fmt.Errorf("failed to compile expression %q: %w", expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return "", fmt.Errorf("failed to run expression %q: %w", expression, err)
		}

		builder.WriteString(fmt.Sprintf("%v", result))
		lastIndex = fullMatchEnd
	}

	builder.WriteString(s[lastIndex:])

	return builder.String(), nil
}

// processExpressions recursively walks the parsed TOML data and evaluates expressions in strings
func processExpressions(data any, env ConfigEnv) (any, error) {
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			processedVal, err := processExpressions(val, env)
			if err != nil {
				return nil, err
			}
			v[key] = processedVal
		}
		return v, nil
	case []any:
		for i, item := range v {
			processedItem, err := processExpressions(item, env)
			if err != nil {
				return nil, err
			}
			v[i] = processedItem
		}
		return v, nil
	case string:
		return evaluateString(v, env)
	default:
		return data, nil
	}
}

func ParseConfig(rdr io.Reader, env ConfigEnv) (*Config, error) {
	var rawConfig map[string]any
	dec := toml.NewDecoder(rdr)
	if err := dec.Decode(&rawConfig); err != nil {
		if derr, ok := err.(*toml.DecodeError); ok {
			return nil, errors.New(derr.String())
		}
		return nil, err
	}

	processedConfig, err := processExpressions(rawConfig, env)
	if err != nil {
		return nil, fmt.Errorf("error processing expressions in config: %w", err)
	}
	rawConfig = processedConfig.(map[string]any)

	cfg := new(Config)
	cfg.Profile = maps.Clone(defaultProfiles)

	if err := unmarshalSection(rawConfig, "project", &cfg.Project); err != nil {
		return nil, err
	}
	if err := unmarshalSection(rawConfig, "sources", &cfg.Sources); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "toolchain", &cfg.Toolchain, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "profile", &cfg.Profile, env); err != nil {
		return nil, err
	}
	if err := unmarshalTables(rawConfig, cfg, "program", "test", "aliases"); err != nil {
		return nil, err
	}

	cfg.setDefaults(env.basedir)
	return cfg, nil
}

// unmarshalTables parses top-level arrays of tables (and other sections
// that can't be marshalled on their own) straight into dst.
func unmarshalTables(rawCfg map[string]any, dst any, names ...string) error {
	sub := make(map[string]any, len(names))
	for _, name := range names {
		if data, ok := rawCfg[name]; ok {
			sub[name] = data
		}
	}
	if len(sub) == 0 {
		return nil
	}
	if err := toml.Unmarshal([]byte(mustMarshal(sub)), dst); err != nil {
		return fmt.Errorf("failed to parse [%s]: %w", strings.Join(names, "], ["), err)
	}
	return nil
}

func (c *Config) setDefaults(basedir string) {
	if c.Project.Name == "" {
		c.Project.Name = filepath.Base(basedir)
	}
	if c.Project.Aggregate == "" {
		c.Project.Aggregate = graph.DefaultAggregate
	}
	if c.Project.BuildDir == "" {
		c.Project.BuildDir = DefaultBuildDir
	}
	if c.Sources.TestDir == "" {
		c.Sources.TestDir = source.DefaultTestDir
	}
	if c.Sources.EntryExt == "" {
		c.Sources.EntryExt = source.DefaultEntryExt
	}
}

// Plan converts the declared programs, tests and aliases into a build plan.
// Alias members naming a declared target refer to that target, anything else
// refers to another alias.
func (c *Config) Plan() (*graph.Plan, error) {
	plan := new(graph.Plan)
	declared := make(map[string]bool)

	for _, p := range c.Programs {
		if p.Entry == "" {
			return nil, fmt.Errorf("program %q has no entry point", p.Name)
		}
		plan.Targets = append(plan.Targets, graph.TargetSpec{
			Name:      p.Name,
			Sources:   p.Sources,
			Entry:     p.Entry,
			Libraries: p.Libs,
		})
		declared[p.Name] = true
	}
	for _, t := range c.Tests {
		plan.Targets = append(plan.Targets, graph.TargetSpec{
			Name:      t.Name,
			Sources:   t.Sources,
			Libraries: t.Libs,
		})
		declared[t.Name] = true
	}

	for _, p := range c.Programs {
		for _, alias := range p.Aliases {
			plan.Aliases = append(plan.Aliases, graph.AliasSpec{Name: alias, Targets: []string{p.Name}})
		}
	}
	for _, t := range c.Tests {
		for _, alias := range t.Aliases {
			plan.Aliases = append(plan.Aliases, graph.AliasSpec{Name: alias, Targets: []string{t.Name}})
		}
	}

	for _, name := range sortedKeys(c.Aliases) {
		if name == c.Project.Aggregate {
			return nil, fmt.Errorf("[aliases] can't define %q, it is the aggregate of every target", name)
		}
		spec := graph.AliasSpec{Name: name}
		for _, member := range c.Aliases[name] {
			if declared[member] {
				spec.Targets = append(spec.Targets, member)
			} else {
				spec.Aliases = append(spec.Aliases, member)
			}
		}
		plan.Aliases = append(plan.Aliases, spec)
	}

	plan.Aliases = append(plan.Aliases, graph.AliasSpec{Name: c.Project.Aggregate, Aggregate: true})
	return plan, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ParseConfigFromFile parses and validates a config file from a filepath
func ParseConfigFromFile(path string, env ConfigEnv) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseConfig(bufio.NewReader(f), env)
}

//
// expr-lang helpers
//

type ConfigEnv struct {
	TargetOS   string            `expr:"target_os"`
	TargetArch string            `expr:"target_arch"`
	Environ    map[string]string `expr:"environ"`
	basedir    string
}

func NewConfigEnv(basedir string) ConfigEnv {
	environ := make(map[string]string)
	for _, e := range os.Environ() {
		if i := strings.Index(e, "="); i >= 0 {
			environ[e[:i]] = e[i+1:]
		}
	}

	return ConfigEnv{
		TargetOS:   runtime.GOOS,
		TargetArch: runtime.GOARCH,
		Environ:    environ,
		basedir:    basedir,
	}
}

// ReadFile returns the contents of a file inside the project directory,
// e.g. `version = "{{ trim(ReadFile('VERSION')) }}"`.
func (env ConfigEnv) ReadFile(path string) (string, error) {
	fullPath := filepath.Join(env.basedir, path)
	rel, err := filepath.Rel(env.basedir, fullPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside of project directory %q", path, env.basedir)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
