package runner

import (
	"fmt"

	"github.com/ohler55/ojg/jp"
)

// Extract evaluates the task's extract mapping against an action output
// and returns the resulting run variables. Each value is a JSONPath
// expression; a path that matches nothing is an error so broken
// extractions fail the task instead of silently writing nils.
func Extract(extract map[string]string, output map[string]any) (map[string]any, error) {
	if len(extract) == 0 {
		return nil, nil
	}

	vars := make(map[string]any, len(extract))
	for name, path := range extract {
		expr, err := jp.ParseString(path)
		if err != nil {
			return nil, fmt.Errorf("extract %s: invalid path %q: %w", name, path, err)
		}
		results := expr.Get(output)
		if len(results) == 0 {
			return nil, fmt.Errorf("extract %s: path %q matched nothing", name, path)
		}
		if len(results) == 1 {
			vars[name] = results[0]
		} else {
			vars[name] = results
		}
	}
	return vars, nil
}
