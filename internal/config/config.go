// v1
// internal/config/config.go
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"

	"nrgchamp/locator/internal/ingest"
	"nrgchamp/locator/internal/knn"
)

// Config captures all runtime settings of the locator. Values come from
// struct defaults, then an optional properties file, then LOCATOR_*
// environment variables.
type Config struct {
	ListenAddress    string        `default:":8090"`
	LogFilePath      string        `default:"logs/locator.log"`
	LogRotation      time.Duration `default:"24h"`
	LogMaxAge        time.Duration `default:"168h"`
	HTTPReadTimeout  time.Duration `default:"5s"`
	HTTPWriteTimeout time.Duration `default:"10s"`
	ShutdownTimeout  time.Duration `default:"5s"`
	PropertiesPath   string

	// Classifier.
	K                    int     `default:"5"`
	MinRSSI              int     `default:"-85"`
	MissingRSSI          int     `default:"-100"`
	MissingPenalty       float64 `default:"1000"`
	UncertaintyThreshold float64 `default:"20"`
	DistancePolicy       string  `default:"union"`
	Smoothing            float64 `default:"0"`
	// ReloadInterval of zero disables periodic reloads.
	ReloadInterval time.Duration `default:"0s"`

	DBDriver     string `default:"sqlite"`
	DBDSN        string `default:"locator.sqlite"`
	ArchiveScans bool   `default:"false"`

	Transport     string `default:"mqtt"`
	PayloadFormat string `default:"json"`
	QueueSize     int    `default:"64"`

	MQTTBroker      string `default:"tcp://localhost:1883"`
	MQTTClientID    string `default:"locator"`
	MQTTScanTopic   string `default:"wifi/scans"`
	MQTTResultTopic string `default:"locator/location"`
	MQTTQoS         int    `default:"1"`

	KafkaBrokers     []string
	KafkaScanTopic   string        `default:"wifi.scans"`
	KafkaResultTopic string        `default:"locator.location"`
	KafkaGroupID     string        `default:"locator"`
	KafkaPollTimeout time.Duration `default:"5s"`

	CBEnabled          bool          `default:"true"`
	CBFailureThreshold int           `default:"5"`
	CBSuccessThreshold int           `default:"1"`
	CBOpenFor          time.Duration `default:"30s"`
	CBTimeout          time.Duration `default:"5s"`
	CBBackoff          time.Duration `default:"500ms"`

	Sinks               []string
	CurrentLocationPath string `default:"current_location.txt"`
}

const (
	defaultPropsPath    = "locator.properties"
	defaultKafkaBrokers = "kafka:9092"
	defaultSinks        = "latest,file,log"
	envPrefix           = "LOCATOR_"
)

var (
	knownTransports = map[string]bool{"mqtt": true, "kafka": true}
	knownSinks      = map[string]bool{"latest": true, "file": true, "kafka": true, "mqtt": true, "log": true}
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	var cfg Config
	defaults.SetDefaults(&cfg)
	cfg.LogFilePath = filepath.Clean(cfg.LogFilePath)
	cfg.KafkaBrokers = splitAndTrim(defaultKafkaBrokers)
	cfg.Sinks = splitAndTrim(defaultSinks)
	return cfg
}

// Load resolves configuration by layering defaults, an optional
// properties file, and finally environment variables. The properties
// file location can be overridden with LOCATOR_PROPERTIES_PATH.
func Load() (Config, error) {
	cfg := Default()

	propsPath := strings.TrimSpace(os.Getenv("LOCATOR_PROPERTIES_PATH"))
	if propsPath == "" {
		propsPath = defaultPropsPath
	}
	cfg.PropertiesPath = propsPath

	if err := applyProperties(&cfg, propsPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyProperties(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, ";") {
			continue
		}
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid properties entry on line %d", line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if err := setProperty(cfg, key, value); err != nil {
			return fmt.Errorf("property %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read properties: %w", err)
	}
	return nil
}

// propertyKeys lists every recognised key; each is also read from the
// environment as LOCATOR_<KEY>.
var propertyKeys = []string{
	"listen_address", "log_path", "log_rotation_hours", "log_max_age_hours",
	"http_read_timeout_ms", "http_write_timeout_ms", "shutdown_timeout_ms",
	"k", "min_rssi", "missing_rssi", "missing_penalty", "uncertainty_threshold",
	"distance_policy", "smoothing", "reload_interval_ms",
	"db_driver", "db_dsn", "archive_scans",
	"transport", "payload_format", "queue_size",
	"mqtt_broker", "mqtt_client_id", "mqtt_scan_topic", "mqtt_result_topic", "mqtt_qos",
	"kafka_brokers", "kafka_scan_topic", "kafka_result_topic", "kafka_group_id", "kafka_poll_timeout_ms",
	"cb_enabled", "cb_failure_threshold", "cb_success_threshold", "cb_open_ms", "cb_timeout_ms", "cb_backoff_ms",
	"sinks", "current_location_path",
}

func setProperty(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "listen_address":
		cfg.ListenAddress, err = nonEmpty(value)
	case "log_path":
		var p string
		if p, err = nonEmpty(value); err == nil {
			cfg.LogFilePath = filepath.Clean(p)
		}
	case "log_rotation_hours":
		cfg.LogRotation, err = parsePositiveHours(value)
	case "log_max_age_hours":
		cfg.LogMaxAge, err = parsePositiveHours(value)
	case "http_read_timeout_ms":
		cfg.HTTPReadTimeout, err = parsePositiveMillis(value)
	case "http_write_timeout_ms":
		cfg.HTTPWriteTimeout, err = parsePositiveMillis(value)
	case "shutdown_timeout_ms":
		cfg.ShutdownTimeout, err = parsePositiveMillis(value)
	case "k":
		cfg.K, err = parsePositiveInt(value)
	case "min_rssi":
		cfg.MinRSSI, err = strconv.Atoi(value)
	case "missing_rssi":
		cfg.MissingRSSI, err = strconv.Atoi(value)
	case "missing_penalty":
		cfg.MissingPenalty, err = parseNonNegativeFloat(value)
	case "uncertainty_threshold":
		cfg.UncertaintyThreshold, err = parseNonNegativeFloat(value)
	case "distance_policy":
		var p knn.Policy
		if p, err = knn.ParsePolicy(value); err == nil {
			cfg.DistancePolicy = string(p)
		}
	case "smoothing":
		cfg.Smoothing, err = parseNonNegativeFloat(value)
	case "reload_interval_ms":
		cfg.ReloadInterval, err = parseNonNegativeMillis(value)
	case "db_driver":
		cfg.DBDriver, err = nonEmpty(strings.ToLower(value))
	case "db_dsn":
		cfg.DBDSN, err = nonEmpty(value)
	case "archive_scans":
		cfg.ArchiveScans, err = strconv.ParseBool(value)
	case "transport":
		t := strings.ToLower(value)
		if !knownTransports[t] {
			return fmt.Errorf("unknown transport %q", value)
		}
		cfg.Transport = t
	case "payload_format":
		cfg.PayloadFormat, err = nonEmpty(strings.ToLower(value))
	case "queue_size":
		cfg.QueueSize, err = parsePositiveInt(value)
	case "mqtt_broker":
		cfg.MQTTBroker, err = nonEmpty(value)
	case "mqtt_client_id":
		cfg.MQTTClientID, err = nonEmpty(value)
	case "mqtt_scan_topic":
		cfg.MQTTScanTopic, err = nonEmpty(value)
	case "mqtt_result_topic":
		cfg.MQTTResultTopic, err = nonEmpty(value)
	case "mqtt_qos":
		var q int
		if q, err = strconv.Atoi(value); err == nil && (q < 0 || q > 2) {
			err = errors.New("qos must be 0, 1 or 2")
		}
		if err == nil {
			cfg.MQTTQoS = q
		}
	case "kafka_brokers":
		brokers := splitAndTrim(value)
		if len(brokers) == 0 {
			return errors.New("kafka_brokers cannot be empty")
		}
		cfg.KafkaBrokers = brokers
	case "kafka_scan_topic":
		cfg.KafkaScanTopic, err = nonEmpty(value)
	case "kafka_result_topic":
		cfg.KafkaResultTopic, err = nonEmpty(value)
	case "kafka_group_id":
		cfg.KafkaGroupID, err = nonEmpty(value)
	case "kafka_poll_timeout_ms":
		cfg.KafkaPollTimeout, err = parsePositiveMillis(value)
	case "cb_enabled":
		cfg.CBEnabled, err = strconv.ParseBool(value)
	case "cb_failure_threshold":
		cfg.CBFailureThreshold, err = parsePositiveInt(value)
	case "cb_success_threshold":
		cfg.CBSuccessThreshold, err = parsePositiveInt(value)
	case "cb_open_ms":
		cfg.CBOpenFor, err = parsePositiveMillis(value)
	case "cb_timeout_ms":
		cfg.CBTimeout, err = parseNonNegativeMillis(value)
	case "cb_backoff_ms":
		cfg.CBBackoff, err = parseNonNegativeMillis(value)
	case "sinks":
		sinks := splitAndTrim(strings.ToLower(value))
		for _, s := range sinks {
			if !knownSinks[s] {
				return fmt.Errorf("unknown sink %q", s)
			}
		}
		cfg.Sinks = sinks
	case "current_location_path":
		cfg.CurrentLocationPath, err = nonEmpty(value)
	default:
		// Unknown keys are ignored.
	}
	return err
}

func applyEnv(cfg *Config) error {
	for _, key := range propertyKeys {
		name := envPrefix + strings.ToUpper(key)
		v, ok := lookupEnvTrimmed(name)
		if !ok {
			continue
		}
		if err := setProperty(cfg, key, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Validate checks cross-field constraints after all layers are applied.
func (c Config) Validate() error {
	if !knownTransports[c.Transport] {
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.DBDriver != "pgx" && c.DBDriver != "sqlite" {
		return fmt.Errorf("unsupported db_driver %q", c.DBDriver)
	}
	if _, err := ingest.ParseFormat(c.PayloadFormat); err != nil {
		return err
	}
	if len(c.Sinks) == 0 {
		return errors.New("at least one sink is required")
	}
	if c.Transport == "kafka" && len(c.KafkaBrokers) == 0 {
		return errors.New("kafka transport requires kafka_brokers")
	}
	if c.HasSink("file") && strings.TrimSpace(c.CurrentLocationPath) == "" {
		return errors.New("file sink requires current_location_path")
	}
	if _, err := c.ClassifierParams(); err != nil {
		return err
	}
	return nil
}

// HasSink reports whether name is among the configured sinks.
func (c Config) HasSink(name string) bool {
	for _, s := range c.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// ClassifierParams converts the classifier keys into knn parameters.
func (c Config) ClassifierParams() (knn.Params, error) {
	policy, err := knn.ParsePolicy(c.DistancePolicy)
	if err != nil {
		return knn.Params{}, err
	}
	return knn.Params{
		K:         c.K,
		Threshold: c.UncertaintyThreshold,
		Smoothing: c.Smoothing,
		Metric: knn.Metric{
			Policy:      policy,
			MissingRSSI: c.MissingRSSI,
			MinRSSI:     c.MinRSSI,
			Penalty:     c.MissingPenalty,
		},
	}, nil
}

// Keys returns the recognised property keys in sorted order.
func Keys() []string {
	out := append([]string(nil), propertyKeys...)
	sort.Strings(out)
	return out
}

func lookupEnvTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitAndTrim(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		trimmed := strings.TrimSpace(field)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func nonEmpty(v string) (string, error) {
	if strings.TrimSpace(v) == "" {
		return "", errors.New("value cannot be empty")
	}
	return v, nil
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return n, nil
}

func parseNonNegativeFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %w", err)
	}
	if f < 0 || f != f {
		return 0, errors.New("value must be >= 0")
	}
	return f, nil
}

func parsePositiveMillis(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if ms <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseNonNegativeMillis(v string) (time.Duration, error) {
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if ms < 0 {
		return 0, errors.New("value must be >= 0")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parsePositiveHours(v string) (time.Duration, error) {
	h, err := parsePositiveInt(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(h) * time.Hour, nil
}
