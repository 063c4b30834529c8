package metrics

import "github.com/tphakala/birdnet-census/internal/logger"

var log = logger.Global().Module("metrics")
