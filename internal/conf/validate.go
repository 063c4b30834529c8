// conf/validate.go

package conf

import (
	"fmt"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError collects every problem found in a Settings value.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings checks ranges and enumerations and normalizes values
// that are compared case-insensitively later on.
func ValidateSettings(s *Settings) error {
	ve := ValidationError{}

	check := func(errs []string) {
		ve.Errors = append(ve.Errors, errs...)
	}

	check(validateDatabaseSettings(&s.Database))
	check(validateStorageSettings(&s.Storage))
	check(validateClassifierSettings(&s.Classifier))
	check(validatePipelineSettings(&s.Pipeline))
	check(validateWorkerSettings(&s.Worker))
	check(validateWebServerSettings(&s.WebServer))
	check(validateEdgeSettings(&s.Edge))

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateDatabaseSettings(d *DatabaseSettings) []string {
	var errs []string
	d.Type = strings.ToLower(d.Type)
	switch d.Type {
	case DatabaseSQLite:
		if d.SQLite.Path == "" {
			errs = append(errs, "database.sqlite.path must not be empty")
		}
	case DatabaseMySQL:
		if d.MySQL.Host == "" || d.MySQL.Database == "" {
			errs = append(errs, "database.mysql host and database are required")
		}
	case DatabasePostgres:
		if d.Postgres.Host == "" || d.Postgres.Database == "" {
			errs = append(errs, "database.postgres host and database are required")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.type %q is not supported", d.Type))
	}
	if d.MaxOpenConns < 0 {
		errs = append(errs, "database.maxopenconns must not be negative")
	}
	return errs
}

func validateStorageSettings(st *StorageSettings) []string {
	var errs []string
	if st.Path == "" {
		errs = append(errs, "storage.path must not be empty")
	}
	if st.MaxFileSize <= 0 {
		errs = append(errs, "storage.maxfilesize must be positive")
	}
	if len(st.AllowedExtensions) == 0 {
		errs = append(errs, "storage.allowedextensions must list at least one extension")
	}
	exts := make([]string, 0, len(st.AllowedExtensions))
	for _, e := range st.AllowedExtensions {
		e = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), ".")
		if e != "" && !slices.Contains(exts, e) {
			exts = append(exts, e)
		}
	}
	st.AllowedExtensions = exts
	return errs
}

func validateClassifierSettings(c *ClassifierSettings) []string {
	var errs []string
	c.Type = strings.ToLower(c.Type)
	switch c.Type {
	case ClassifierBirdNET:
		if c.ModelPath == "" || c.LabelPath == "" {
			errs = append(errs, "classifier.modelpath and classifier.labelpath are required for birdnet")
		}
		if c.Sensitivity < 0 || c.Sensitivity > 1.5 {
			errs = append(errs, "classifier.sensitivity must be between 0 and 1.5")
		}
		if c.Threads < 0 {
			errs = append(errs, "classifier.threads must be at least 0")
		}
	case ClassifierRemote:
		if c.Remote.URL == "" {
			errs = append(errs, "classifier.remote.url is required for the remote classifier")
		}
	case ClassifierStatic:
		for _, r := range c.Static.Rules {
			if r.Species == "" || r.Confidence < 0 || r.Confidence > 1 {
				errs = append(errs, fmt.Sprintf("classifier.static rule %q needs a species and confidence in [0,1]", r.Species))
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("classifier.type %q is not supported", c.Type))
	}
	if c.RangeThreshold < 0 || c.RangeThreshold > 1 {
		errs = append(errs, "classifier.rangethreshold must be between 0 and 1")
	}
	if c.Timeout <= 0 {
		errs = append(errs, "classifier.timeout must be positive")
	}
	return errs
}

func validatePipelineSettings(p *PipelineSettings) []string {
	var errs []string
	if p.SampleRate <= 0 {
		errs = append(errs, "pipeline.samplerate must be positive")
	}
	if p.Channels < 1 {
		errs = append(errs, "pipeline.channels must be at least 1")
	}
	if p.WindowLength <= 0 {
		errs = append(errs, "pipeline.windowlength must be positive")
	}
	if p.Overlap < 0 || p.Overlap >= 1 {
		errs = append(errs, "pipeline.overlap must be in [0, 1)")
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		errs = append(errs, "pipeline.threshold must be between 0 and 1")
	}
	if p.MaxResults < 1 {
		errs = append(errs, "pipeline.maxresults must be at least 1")
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		errs = append(errs, "pipeline.latitude must be between -90 and 90")
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		errs = append(errs, "pipeline.longitude must be between -180 and 180")
	}
	return errs
}

func validateWorkerSettings(w *WorkerSettings) []string {
	if !w.Enabled {
		return nil
	}
	var errs []string
	if w.Workers < 1 {
		errs = append(errs, "worker.workers must be at least 1")
	}
	if w.PollInterval <= 0 {
		errs = append(errs, "worker.pollinterval must be positive")
	}
	if w.QueueSize < 1 {
		errs = append(errs, "worker.queuesize must be at least 1")
	}
	return errs
}

func validateWebServerSettings(ws *WebServerSettings) []string {
	var errs []string
	if ws.Port == "" {
		errs = append(errs, "webserver.port must not be empty")
	}
	if ws.RateLimit.Enabled && (ws.RateLimit.RPS <= 0 || ws.RateLimit.Burst < 1) {
		errs = append(errs, "webserver.ratelimit needs positive rps and burst")
	}
	return errs
}

func validateEdgeSettings(e *EdgeSettings) []string {
	var errs []string
	e.Method = strings.ToLower(e.Method)
	switch e.Method {
	case "", EdgeMethodHTTP, EdgeMethodSFTP, EdgeMethodFTP:
	default:
		errs = append(errs, fmt.Sprintf("edge.method %q is not supported", e.Method))
	}
	if e.Schedule != "" {
		if _, err := cron.ParseStandard(e.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("edge.schedule %q is not a valid cron expression: %v", e.Schedule, err))
		}
	}
	return errs
}
