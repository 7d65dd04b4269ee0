package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/vertex-balancer/internal/domain"
)

// targetsFile is the YAML shape of the optional bootstrap file. Credentials
// may be inlined or referenced by path; the path form wins when both are set.
type targetsFile struct {
	Targets []targetEntry `yaml:"targets"`
}

type targetEntry struct {
	Name                  string `yaml:"name"`
	ProjectID             string `yaml:"project_id"`
	Location              string `yaml:"location"`
	ServiceAccountKey     string `yaml:"service_account_key"`
	ServiceAccountKeyFile string `yaml:"service_account_key_file"`
	DailyRateLimit        *int   `yaml:"daily_rate_limit"`
}

// LoadTargetsFile reads the bootstrap file and returns upsert specs. Each
// spec is applied through AddOrReactivate at startup so redeployments do not
// duplicate targets.
func LoadTargetsFile(path string) ([]domain.TargetSpec, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // Operator-supplied path.
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadTargetsFile: %w", err)
	}
	var tf targetsFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("op=config.LoadTargetsFile: parse: %w", err)
	}
	specs := make([]domain.TargetSpec, 0, len(tf.Targets))
	for i, e := range tf.Targets {
		if e.ProjectID == "" || e.Location == "" {
			return nil, fmt.Errorf("op=config.LoadTargetsFile: entry %d: project_id and location are required", i)
		}
		key := e.ServiceAccountKey
		if e.ServiceAccountKeyFile != "" {
			kb, err := os.ReadFile(e.ServiceAccountKeyFile) //nolint:gosec // Operator-supplied path.
			if err != nil {
				return nil, fmt.Errorf("op=config.LoadTargetsFile: entry %d: key file: %w", i, err)
			}
			key = string(kb)
		}
		if key == "" {
			return nil, fmt.Errorf("op=config.LoadTargetsFile: entry %d: service account key is required", i)
		}
		specs = append(specs, domain.TargetSpec{
			Name:                  e.Name,
			ProjectID:             e.ProjectID,
			Location:              e.Location,
			ServiceAccountKeyJSON: key,
			DailyRateLimit:        e.DailyRateLimit,
		})
	}
	return specs, nil
}
