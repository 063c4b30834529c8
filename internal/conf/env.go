// env.go: environment variable overrides
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

// getEnvBindings lists the variables that are checked before binding. Any
// other key can still be set through CENSUS_<SECTION>_<KEY>.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"database.type", "CENSUS_DATABASE_TYPE", validateEnvDatabaseType},
		{"pipeline.latitude", "CENSUS_PIPELINE_LATITUDE", validateEnvLatitude},
		{"pipeline.longitude", "CENSUS_PIPELINE_LONGITUDE", validateEnvLongitude},
		{"pipeline.threshold", "CENSUS_PIPELINE_THRESHOLD", validateEnvUnitInterval},
		{"pipeline.overlap", "CENSUS_PIPELINE_OVERLAP", validateEnvOverlap},
		{"pipeline.samplerate", "CENSUS_PIPELINE_SAMPLERATE", validateEnvPositiveInt},
		{"storage.maxfilesize", "CENSUS_STORAGE_MAXFILESIZE", validateEnvPositiveInt},
		{"classifier.type", "CENSUS_CLASSIFIER_TYPE", validateEnvClassifierType},
		{"worker.enabled", "CENSUS_WORKER_ENABLED", validateEnvBool},
		{"sentry.dsn", "CENSUS_SENTRY_DSN", nil},
	}
}

func bindEnvVars() error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var warnings []string
	for _, b := range getEnvBindings() {
		if err := viper.BindEnv(b.ConfigKey, b.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", b.EnvVar, err))
			continue
		}
		if b.Validate == nil {
			continue
		}
		if v := os.Getenv(b.EnvVar); v != "" {
			if err := b.Validate(v); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value %q: %v", b.EnvVar, v, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func parseEnvFloat(value string, lo, hi float64, inclusiveHi bool) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if f < lo || f > hi || (!inclusiveHi && f == hi) {
		return fmt.Errorf("must be between %g and %g", lo, hi)
	}
	return nil
}

func validateEnvLatitude(value string) error  { return parseEnvFloat(value, -90, 90, true) }
func validateEnvLongitude(value string) error { return parseEnvFloat(value, -180, 180, true) }
func validateEnvUnitInterval(value string) error {
	return parseEnvFloat(value, 0, 1, true)
}
func validateEnvOverlap(value string) error { return parseEnvFloat(value, 0, 1, false) }

func validateEnvPositiveInt(value string) error {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func validateEnvDatabaseType(value string) error {
	switch strings.ToLower(value) {
	case DatabaseSQLite, DatabaseMySQL, DatabasePostgres:
		return nil
	}
	return fmt.Errorf("must be one of sqlite, mysql, postgres")
}

func validateEnvClassifierType(value string) error {
	switch strings.ToLower(value) {
	case ClassifierBirdNET, ClassifierRemote, ClassifierStatic:
		return nil
	}
	return fmt.Errorf("must be one of birdnet, remote, static")
}
