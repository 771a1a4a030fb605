// Command configgen renders one judge-service config per worker instance
// from a base file, a shared infrastructure block, and per-instance overrides.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile describes a deployment of judge workers.
type Profile struct {
	OutputDir string `yaml:"outputDir"`
	Base      string `yaml:"base"`
	// Shared is merged into every instance, before its own overrides.
	Shared    map[string]interface{}     `yaml:"shared"`
	Instances map[string]InstanceProfile `yaml:"instances"`
}

// InstanceProfile is one worker process.
type InstanceProfile struct {
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

func main() {
	profilePath := flag.String("profile", "configs/judge-profile.yaml", "Path to deployment profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	written, err := render(*profilePath, *outputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
	for _, path := range written {
		fmt.Println(path)
	}
}

func render(profilePath, outputDir string) ([]string, error) {
	profilePathAbs, err := filepath.Abs(profilePath)
	if err != nil {
		return nil, fmt.Errorf("resolve profile path failed: %w", err)
	}
	profile, err := loadProfile(profilePathAbs)
	if err != nil {
		return nil, fmt.Errorf("load profile failed: %w", err)
	}
	if outputDir != "" {
		profile.OutputDir = outputDir
	}
	if profile.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	profileDir := filepath.Dir(profilePathAbs)
	if !filepath.IsAbs(profile.OutputDir) {
		profile.OutputDir = filepath.Join(profileDir, profile.OutputDir)
	}
	base := profile.Base
	if !filepath.IsAbs(base) {
		base = filepath.Join(profileDir, base)
	}

	names := make([]string, 0, len(profile.Instances))
	for name := range profile.Instances {
		names = append(names, name)
	}
	sort.Strings(names)

	written := make([]string, 0, len(names))
	for _, name := range names {
		instance := profile.Instances[name]
		cfg, err := loadYAML(base)
		if err != nil {
			return nil, fmt.Errorf("load base config for %q failed: %w", name, err)
		}
		cfg = normalizeValue(cfg)
		for _, layer := range []map[string]interface{}{profile.Shared, instance.Overrides} {
			if len(layer) == 0 {
				continue
			}
			cfg, err = mergeMap(cfg, normalizeValue(layer))
			if err != nil {
				return nil, fmt.Errorf("merge overrides for %q failed: %w", name, err)
			}
		}
		cfg, err = applyInstanceDefaults(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("apply defaults for %q failed: %w", name, err)
		}

		output := instance.Output
		if output == "" {
			output = name + ".yaml"
		}
		if !filepath.IsAbs(output) {
			output = filepath.Join(profile.OutputDir, output)
		}
		if err := writeYAML(output, cfg); err != nil {
			return nil, fmt.Errorf("write config for %q failed: %w", name, err)
		}
		written = append(written, output)
	}
	return written, nil
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile failed: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile failed: %w", err)
	}
	if profile.Base == "" {
		return nil, errors.New("profile has no base config")
	}
	if len(profile.Instances) == 0 {
		return nil, errors.New("profile has no instances")
	}
	return &profile, nil
}

func loadYAML(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml failed: %w", err)
	}
	var value interface{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse yaml failed: %w", err)
	}
	return value, nil
}

func writeYAML(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir failed: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal yaml failed: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}
			out[key] = normalizeValue(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return value
	}
}

// mergeMap overlays override onto base. Nested maps merge, everything else
// including lists is replaced.
func mergeMap(base interface{}, override interface{}) (interface{}, error) {
	baseMap, ok := base.(map[string]interface{})
	if !ok {
		return nil, errors.New("base config is not a map")
	}
	overrideMap, ok := override.(map[string]interface{})
	if !ok {
		return nil, errors.New("override config is not a map")
	}

	merged := make(map[string]interface{}, len(baseMap))
	for k, v := range baseMap {
		merged[k] = v
	}
	for key, overrideValue := range overrideMap {
		baseChild, baseIsMap := merged[key].(map[string]interface{})
		overrideChild, overrideIsMap := overrideValue.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			combined, err := mergeMap(baseChild, overrideChild)
			if err != nil {
				return nil, err
			}
			merged[key] = combined
			continue
		}
		merged[key] = overrideValue
	}
	return merged, nil
}

// applyInstanceDefaults gives each instance its own work root so that
// co-located workers never share arenas, and its own queue instance id so
// their in-flight lists stay apart.
func applyInstanceDefaults(name string, cfg interface{}) (interface{}, error) {
	root, ok := cfg.(map[string]interface{})
	if !ok {
		return nil, errors.New("instance config is not a map")
	}
	judge, ok := root["judge"].(map[string]interface{})
	if !ok {
		judge = map[string]interface{}{}
		root["judge"] = judge
	}
	workRoot, _ := judge["workRoot"].(string)
	if workRoot == "" {
		workRoot = filepath.Join(os.TempDir(), "codejudge")
	}
	judge["workRoot"] = filepath.Join(workRoot, name)

	queue, ok := root["queue"].(map[string]interface{})
	if !ok {
		queue = map[string]interface{}{}
		root["queue"] = queue
	}
	redisQueue, ok := queue["redis"].(map[string]interface{})
	if !ok {
		redisQueue = map[string]interface{}{}
		queue["redis"] = redisQueue
	}
	if id, _ := redisQueue["instanceId"].(string); id == "" {
		redisQueue["instanceId"] = name
	}
	return root, nil
}
