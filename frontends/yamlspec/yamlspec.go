package yamlspec

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v2"

	"github.com/bibin-skaria/osic/frontends"
	"github.com/bibin-skaria/osic/internal/errors"
	"github.com/bibin-skaria/osic/internal/types"
)

// YAMLFrontend parses feature/layer declaration documents. The declaration
// surface deliberately accepts several literal shapes for the same concept
// (bare string, tuple-as-list, dict); everything is normalized into the
// canonical Item form here, never deeper in the engine.
type YAMLFrontend struct{}

func init() {
	frontends.RegisterFrontend("yaml", &YAMLFrontend{})
}

type featureDoc struct {
	Name     string                 `yaml:"name"`
	MakeDirs []interface{}          `yaml:"make_dirs"`
	Tarballs []interface{}          `yaml:"tarballs"`
	CopyDeps []interface{}          `yaml:"copy_deps"`
	RPMs     map[string]string      `yaml:"rpms"`
	Features []string               `yaml:"features"`
	Defaults map[string]interface{} `yaml:"defaults"`
}

type layerDoc struct {
	featureDoc          `yaml:",inline"`
	ParentLayer         string `yaml:"parent_layer"`
	FromSendstream      string `yaml:"from_sendstream"`
	YumFromRepoSnapshot string `yaml:"yum_from_repo_snapshot"`
}

type document struct {
	Features []featureDoc `yaml:"features"`
	Layers   []layerDoc   `yaml:"layers"`
}

func (f *YAMLFrontend) Parse(data []byte) (*types.Definitions, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse declarations: %v", err)
	}

	defs := &types.Definitions{
		Features: make(map[string]*types.Feature),
		Layers:   make(map[string]*types.LayerSpec),
	}

	for _, fd := range doc.Features {
		feature, err := normalizeFeature(fd)
		if err != nil {
			return nil, err
		}
		if _, dup := defs.Features[feature.Name]; dup {
			return nil, fmt.Errorf("feature %s declared twice", feature.Name)
		}
		defs.Features[feature.Name] = feature
	}

	for _, ld := range doc.Layers {
		feature, err := normalizeFeature(ld.featureDoc)
		if err != nil {
			return nil, err
		}
		spec := &types.LayerSpec{
			Feature:        *feature,
			Parent:         ld.ParentLayer,
			FromSendstream: ld.FromSendstream,
			RepoSnapshot:   ld.YumFromRepoSnapshot,
		}
		if spec.FromSendstream != "" && (len(spec.Items) > 0 || len(spec.Features) > 0) {
			return nil, fmt.Errorf("layer %s: from_sendstream is mutually exclusive with content-producing fields", spec.Name)
		}
		if spec.FromSendstream != "" && spec.Parent != "" {
			return nil, fmt.Errorf("layer %s: from_sendstream is mutually exclusive with parent_layer", spec.Name)
		}
		if _, dup := defs.Layers[spec.Name]; dup {
			return nil, fmt.Errorf("layer %s declared twice", spec.Name)
		}
		defs.Layers[spec.Name] = spec
	}

	return defs, nil
}

func normalizeFeature(fd featureDoc) (*types.Feature, error) {
	if fd.Name == "" {
		return nil, fmt.Errorf("feature without a name")
	}

	feature := &types.Feature{
		Name:     fd.Name,
		Features: fd.Features,
	}

	if fd.Defaults != nil {
		stat, err := statFromMap(fd.Defaults, types.DefaultDirStat())
		if err != nil {
			return nil, errors.NewInvalidStatError("defaults of feature "+fd.Name, err)
		}
		feature.Defaults = &stat
	}

	for _, raw := range fd.MakeDirs {
		item, err := normalizeMakeDir(fd.Name, raw)
		if err != nil {
			return nil, err
		}
		feature.Items = append(feature.Items, item)
	}
	for _, raw := range fd.Tarballs {
		item, err := normalizeTarball(fd.Name, raw)
		if err != nil {
			return nil, err
		}
		feature.Items = append(feature.Items, item)
	}
	for _, raw := range fd.CopyDeps {
		item, err := normalizeCopyDep(fd.Name, raw)
		if err != nil {
			return nil, err
		}
		feature.Items = append(feature.Items, item)
	}

	// Map iteration order is not deterministic, so rpm items are emitted
	// in sorted package order to keep declaration order stable.
	for _, pkg := range sortedKeys(fd.RPMs) {
		action := types.RPMAction(fd.RPMs[pkg])
		item := &types.Item{Feature: fd.Name, Package: pkg}
		switch action {
		case types.RPMInstall:
			item.Kind = types.ItemInstallPackage
		case types.RPMRemoveIfExists:
			item.Kind = types.ItemRemovePackageIfExists
		default:
			return nil, fmt.Errorf("feature %s: unknown rpm action %q for package %s", fd.Name, action, pkg)
		}
		feature.Items = append(feature.Items, item)
	}

	return feature, nil
}

// normalizeMakeDir accepts "path", [into_dir, path_to_make], or a dict with
// path_to_make / into_dir / user / group / mode.
func normalizeMakeDir(feature string, raw interface{}) (*types.Item, error) {
	item := &types.Item{Kind: types.ItemMakeDirectory, Feature: feature, IntoDir: "/"}

	switch v := raw.(type) {
	case string:
		item.Dest = cleanAbs(v)

	case []interface{}:
		if len(v) != 2 {
			return nil, fmt.Errorf("feature %s: make_dirs pair must be [into_dir, path_to_make], got %d elements", feature, len(v))
		}
		into, ok1 := v[0].(string)
		sub, ok2 := v[1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("feature %s: make_dirs pair elements must be strings", feature)
		}
		item.IntoDir = cleanAbs(into)
		item.Dest = joinUnder(item.IntoDir, sub)

	case map[interface{}]interface{}:
		m := stringKeyed(v)
		sub, _ := m["path_to_make"].(string)
		if sub == "" {
			return nil, fmt.Errorf("feature %s: make_dirs dict requires path_to_make", feature)
		}
		if into, ok := m["into_dir"].(string); ok && into != "" {
			item.IntoDir = cleanAbs(into)
		}
		item.Dest = joinUnder(item.IntoDir, sub)
		stat, hasStat, err := optionalStat(m, types.DefaultDirStat())
		if err != nil {
			return nil, errors.NewInvalidStatError(item.ID(), err)
		}
		if hasStat {
			item.Stat = &stat
		}

	default:
		return nil, fmt.Errorf("feature %s: unsupported make_dirs literal %T", feature, raw)
	}

	return item, nil
}

// normalizeTarball accepts [tarball, into_dir] or a dict with
// tarball / into_dir.
func normalizeTarball(feature string, raw interface{}) (*types.Item, error) {
	item := &types.Item{Kind: types.ItemExtractTarball, Feature: feature, IntoDir: "/"}

	switch v := raw.(type) {
	case []interface{}:
		if len(v) != 2 {
			return nil, fmt.Errorf("feature %s: tarballs pair must be [tarball, into_dir]", feature)
		}
		archive, ok1 := v[0].(string)
		into, ok2 := v[1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("feature %s: tarballs pair elements must be strings", feature)
		}
		item.Source = archive
		item.IntoDir = cleanAbs(into)

	case map[interface{}]interface{}:
		m := stringKeyed(v)
		archive, _ := m["tarball"].(string)
		if archive == "" {
			return nil, fmt.Errorf("feature %s: tarballs dict requires tarball", feature)
		}
		item.Source = archive
		if into, ok := m["into_dir"].(string); ok && into != "" {
			item.IntoDir = cleanAbs(into)
		}

	default:
		return nil, fmt.Errorf("feature %s: unsupported tarballs literal %T", feature, raw)
	}

	return item, nil
}

// normalizeCopyDep accepts [source, dest] or a dict with source / dest /
// user / group / mode. A trailing slash on dest means "copy into that
// directory keeping the source basename"; without it, dest is the exact
// resulting name. The distinction is resolved here, once.
func normalizeCopyDep(feature string, raw interface{}) (*types.Item, error) {
	item := &types.Item{Kind: types.ItemCopyFile, Feature: feature}

	switch v := raw.(type) {
	case []interface{}:
		if len(v) != 2 {
			return nil, fmt.Errorf("feature %s: copy_deps pair must be [source, dest]", feature)
		}
		source, ok1 := v[0].(string)
		dest, ok2 := v[1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("feature %s: copy_deps pair elements must be strings", feature)
		}
		item.Source = source
		item.Dest = types.ResolveCopyDest(source, dest)

	case map[interface{}]interface{}:
		m := stringKeyed(v)
		source, _ := m["source"].(string)
		dest, _ := m["dest"].(string)
		if source == "" || dest == "" {
			return nil, fmt.Errorf("feature %s: copy_deps dict requires source and dest", feature)
		}
		item.Source = source
		item.Dest = types.ResolveCopyDest(source, dest)
		stat, hasStat, err := optionalStat(m, types.DefaultFileStat())
		if err != nil {
			return nil, errors.NewInvalidStatError(item.ID(), err)
		}
		if hasStat {
			item.Stat = &stat
		}

	default:
		return nil, fmt.Errorf("feature %s: unsupported copy_deps literal %T", feature, raw)
	}

	return item, nil
}

// optionalStat builds StatOptions from user/group/mode keys when any is
// present, filling unspecified fields from base.
func optionalStat(m map[string]interface{}, base types.StatOptions) (types.StatOptions, bool, error) {
	_, hasUser := m["user"]
	_, hasGroup := m["group"]
	_, hasMode := m["mode"]
	if !hasUser && !hasGroup && !hasMode {
		return types.StatOptions{}, false, nil
	}
	stat, err := statFromMap(m, base)
	return stat, true, err
}

func statFromMap(m map[string]interface{}, base types.StatOptions) (types.StatOptions, error) {
	stat := base
	if user, ok := m["user"]; ok {
		stat.User, _ = user.(string)
	}
	if group, ok := m["group"]; ok {
		stat.Group, _ = group.(string)
	}
	if mode, ok := m["mode"]; ok {
		switch v := mode.(type) {
		case string:
			stat.Mode = v
		case int:
			// YAML 1.1 parses a 0-prefixed literal as an octal integer.
			stat.Mode = fmt.Sprintf("%04o", v)
		default:
			return stat, fmt.Errorf("mode must be an octal string or integer, got %T", mode)
		}
	}
	if err := stat.Validate(); err != nil {
		return stat, err
	}
	return stat, nil
}

func stringKeyed(m map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if s, ok := k.(string); ok {
			out[s] = v
		}
	}
	return out
}

func cleanAbs(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return p
}

func joinUnder(base, sub string) string {
	if len(sub) > 0 && sub[0] == '/' {
		sub = sub[1:]
	}
	if base == "/" {
		return "/" + sub
	}
	return base + "/" + sub
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
