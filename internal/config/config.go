package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/signalnine/mpsearch/internal/evaluate"
	"github.com/signalnine/mpsearch/internal/models"
	"github.com/signalnine/mpsearch/internal/partition"
	"github.com/signalnine/mpsearch/internal/sampler"
	"github.com/signalnine/mpsearch/internal/stage"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every configuration problem.
var ErrInvalid = errors.New("invalid configuration")

const envPrefix = "MPSEARCH"

type Config struct {
	DataPath         string                    `yaml:"data_path" validate:"required"`
	FilePattern      string                    `yaml:"file_pattern"`
	DateLayout       string                    `yaml:"date_layout"`
	SubsetData       SubsetData                `yaml:"subset_data"`
	Filter           Filter                    `yaml:"filter"`
	InputCols        []string                  `yaml:"input_cols" validate:"required,min=1,dive,required"`
	OutputCols       []string                  `yaml:"output_cols" validate:"required,min=1,dive,required"`
	InputTransforms  map[string]string         `yaml:"input_transforms"`
	OutputTransforms map[string]string         `yaml:"output_transforms"`
	InputScaler      string                    `yaml:"input_scaler"`
	OutputScaler     string                    `yaml:"output_scaler"`
	NQuantiles       int                       `yaml:"n_quantiles" validate:"gte=0"`
	Models           map[string]map[string]any `yaml:"models" validate:"required,min=1"`
	NumParamSamples  int                       `yaml:"num_param_samples" validate:"gte=0"`
	RandomSeed       int64                     `yaml:"random_seed"`
	Metrics          []string                  `yaml:"metrics" validate:"required,min=1,dive,required"`
	RankMetric       string                    `yaml:"rank_metric"`
	Workers          int                       `yaml:"workers" validate:"gte=1"`
	TaskTimeout      time.Duration             `yaml:"task_timeout" validate:"gte=0"`
	OutPath          string                    `yaml:"out_path" validate:"required"`
	Logging          Logging                   `yaml:"logging"`
}

type SubsetData struct {
	TrainDateStart      Date `yaml:"train_date_start" validate:"required"`
	TrainDateEnd        Date `yaml:"train_date_end" validate:"required"`
	TestDateStart       Date `yaml:"test_date_start" validate:"required"`
	TestDateEnd         Date `yaml:"test_date_end" validate:"required"`
	ValidationFrequency int  `yaml:"validation_frequency" validate:"gte=2"`
}

// Filter drops rows whose Column value is below Min.
type Filter struct {
	Column string  `yaml:"column"`
	Min    float64 `yaml:"min"`
}

type Logging struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

// Date is a calendar day. It accepts 2006-01-02 and 20060102.
type Date struct {
	time.Time
}

func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	for _, layout := range []string{"2006-01-02", "20060102", time.RFC3339} {
		if t, err := time.Parse(layout, node.Value); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("line %d: %q is not a date", node.Line, node.Value)
}

func (d Date) MarshalYAML() (any, error) {
	return d.Format("2006-01-02"), nil
}

// overrides are the settings that can come from MPSEARCH_* variables.
type overrides struct {
	Workers  int    `envconfig:"WORKERS"`
	OutPath  string `envconfig:"OUT_PATH"`
	LogLevel string `envconfig:"LOG_LEVEL"`
}

// Load reads, defaults, overrides and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config %s: %w", ErrInvalid, path, err)
	}
	return Parse(data)
}

// Parse is Load for configuration already in memory.
func Parse(data []byte) (*Config, error) {
	cfg := Config{
		FilePattern: "*.csv",
		DateLayout:  "20060102",
		NQuantiles:  1000,
		Metrics:     []string{"mse", "mae", "r2"},
		Workers:     1,
		OutPath:     "out",
		Logging:     Logging{Level: "info"},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing: %w", ErrInvalid, err)
	}
	var env overrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return nil, fmt.Errorf("%w: environment: %w", ErrInvalid, err)
	}
	cfg.apply(env)
	if cfg.RankMetric == "" && len(cfg.Metrics) > 0 {
		cfg.RankMetric = cfg.Metrics[0]
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return &cfg, nil
}

func (c *Config) apply(env overrides) {
	if env.Workers != 0 {
		c.Workers = env.Workers
	}
	if env.OutPath != "" {
		c.OutPath = env.OutPath
	}
	if env.LogLevel != "" {
		c.Logging.Level = strings.ToLower(env.LogLevel)
	}
}

func validate(cfg *Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag())
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if _, err := partition.Split(nil, cfg.TrainWindow(), cfg.TestWindow(), cfg.SubsetData.ValidationFrequency); err != nil {
		return err
	}
	if err := checkColumns("input_transforms", cfg.InputTransforms, cfg.InputCols); err != nil {
		return err
	}
	if err := checkColumns("output_transforms", cfg.OutputTransforms, cfg.OutputCols); err != nil {
		return err
	}
	if _, err := stage.ResolveTransforms(cfg.InputTransforms); err != nil {
		return err
	}
	if _, err := stage.ResolveTransforms(cfg.OutputTransforms); err != nil {
		return err
	}
	for _, name := range []string{cfg.InputScaler, cfg.OutputScaler} {
		if name == "" {
			continue
		}
		if _, err := stage.NewScaler(name, stage.ScalerOptions{NQuantiles: cfg.NQuantiles}); err != nil {
			return err
		}
	}
	for _, name := range cfg.Metrics {
		if _, err := evaluate.MetricByName(name); err != nil {
			return err
		}
	}
	if !contains(cfg.Metrics, cfg.RankMetric) {
		return fmt.Errorf("rank_metric %q is not one of metrics %v", cfg.RankMetric, cfg.Metrics)
	}
	if _, err := cfg.Spaces(models.NewRegistry()); err != nil {
		return err
	}
	return nil
}

func checkColumns(field string, byColumn map[string]string, cols []string) error {
	for col := range byColumn {
		if !contains(cols, col) {
			return fmt.Errorf("%s names column %q which is not selected", field, col)
		}
	}
	return nil
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}

func (c *Config) TrainWindow() partition.Window {
	return partition.Window{Start: c.SubsetData.TrainDateStart.Time, End: c.SubsetData.TrainDateEnd.Time}
}

func (c *Config) TestWindow() partition.Window {
	return partition.Window{Start: c.SubsetData.TestDateStart.Time, End: c.SubsetData.TestDateEnd.Time}
}

// Families returns the configured model families in sorted order.
func (c *Config) Families() []string {
	names := make([]string, 0, len(c.Models))
	for k := range c.Models {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Spaces parses the parameter space of every family. Families unknown to
// reg are rejected.
func (c *Config) Spaces(reg *models.Registry) (map[string]sampler.Space, error) {
	spaces := make(map[string]sampler.Space, len(c.Models))
	for _, family := range c.Families() {
		if !reg.Has(family) {
			return nil, fmt.Errorf("%w %q (known: %v)", models.ErrUnknownFamily, family, reg.Names())
		}
		space, err := sampler.ParseSpec(c.Models[family])
		if err != nil {
			return nil, fmt.Errorf("models.%s: %w", family, err)
		}
		spaces[family] = space
	}
	return spaces, nil
}
