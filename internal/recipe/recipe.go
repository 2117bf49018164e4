// Package recipe resolves and validates worker recipe files under the
// recipes directory.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ericroliver/tinyscheduler/internal/validate"
)

// NameFor returns the recipe name for a task: the task's own recipe hint
// when present, otherwise "<agent>.yaml".
func NameFor(taskRecipe, agent string) string {
	if taskRecipe != "" {
		return taskRecipe
	}
	return agent + ".yaml"
}

// Resolve validates a recipe name and returns its absolute path inside
// recipesDir. Absolute paths, parent references, shell metacharacters,
// wrong extensions, and paths that resolve outside recipesDir are
// rejected.
func Resolve(name, recipesDir string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty recipe name")
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("recipe name contains NUL byte")
	}
	if strings.ContainsAny(name, ";&|$`<>(){}[]*?!~#'\"\\ \t\n\r") {
		return "", fmt.Errorf("shell metacharacters not allowed in recipe: %q", name)
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute recipe paths not allowed: %s", name)
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return "", fmt.Errorf("parent directory references not allowed in recipe: %s", name)
		}
	}
	if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
		return "", fmt.Errorf("recipe must have .yaml or .yml extension: %s", name)
	}

	resolved, err := validate.WithinDir(filepath.Join(recipesDir, name), recipesDir)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// Check verifies the recipe file exists and parses as YAML. The worker
// owns the recipe's schema; the scheduler only refuses to hand a worker
// a file that cannot possibly load.
func Check(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var v any
	if err := yamlv3.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("recipe is not valid YAML: %w", err)
	}
	return nil
}
