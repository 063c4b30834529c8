// defaults.go: default values for every viper key
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers defaults for all configuration keys.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/census.log")
	viper.SetDefault("logging.file_output.level", "info")
	viper.SetDefault("logging.file_output.max_size", 100)

	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.sqlite.path", "census.db")
	viper.SetDefault("database.mysql.host", "localhost")
	viper.SetDefault("database.mysql.port", "3306")
	viper.SetDefault("database.mysql.database", "census")
	viper.SetDefault("database.postgres.host", "localhost")
	viper.SetDefault("database.postgres.port", "5432")
	viper.SetDefault("database.postgres.database", "census")
	viper.SetDefault("database.postgres.sslmode", "disable")
	viper.SetDefault("database.maxopenconns", 10)
	viper.SetDefault("database.slowquerythreshold", 200*time.Millisecond)

	viper.SetDefault("storage.path", "data/recordings")
	viper.SetDefault("storage.maxfilesize", DefaultMaxFileSize)
	viper.SetDefault("storage.allowedextensions", []string{"wav", "mp3", "flac"})
	viper.SetDefault("storage.autoregisterdevices", true)

	viper.SetDefault("webserver.host", "0.0.0.0")
	viper.SetDefault("webserver.port", "8080")
	viper.SetDefault("webserver.ratelimit.enabled", true)
	viper.SetDefault("webserver.ratelimit.rps", 1.0)
	viper.SetDefault("webserver.ratelimit.burst", 10)

	viper.SetDefault("classifier.type", "birdnet")
	viper.SetDefault("classifier.modelpath", "models/BirdNET_GLOBAL_6K_V2.4_Model_FP32.tflite")
	viper.SetDefault("classifier.labelpath", "models/labels_en.txt")
	viper.SetDefault("classifier.rangemodelpath", "")
	viper.SetDefault("classifier.rangethreshold", 0.03)
	viper.SetDefault("classifier.sensitivity", 1.0)
	viper.SetDefault("classifier.threads", 0)
	viper.SetDefault("classifier.timeout", 30*time.Second)

	viper.SetDefault("pipeline.samplerate", DefaultSampleRate)
	viper.SetDefault("pipeline.channels", 1)
	viper.SetDefault("pipeline.windowlength", 3.0)
	viper.SetDefault("pipeline.overlap", 0.0)
	viper.SetDefault("pipeline.threshold", 0.7)
	viper.SetDefault("pipeline.maxresults", 10)
	viper.SetDefault("pipeline.latitude", 0.0)
	viper.SetDefault("pipeline.longitude", 0.0)

	viper.SetDefault("worker.enabled", true)
	viper.SetDefault("worker.workers", 2)
	viper.SetDefault("worker.pollinterval", 15*time.Second)
	viper.SetDefault("worker.queuesize", 100)
	viper.SetDefault("worker.jobtimeout", 10*time.Minute)
	viper.SetDefault("worker.batchsize", 20)

	viper.SetDefault("devices.onlinewindow", 15*time.Minute)

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "birdnet-census/analysis")
	viper.SetDefault("mqtt.clientid", "birdnet-census")

	viper.SetDefault("sentry.enabled", false)

	viper.SetDefault("edge.watchdir", "recordings")
	viper.SetDefault("edge.statefile", "sync_state.json")
	viper.SetDefault("edge.minage", 30*time.Second)
	viper.SetDefault("edge.schedule", "0 0 * * *")
	viper.SetDefault("edge.deleteafter", false)
	viper.SetDefault("edge.method", "http")
	viper.SetDefault("edge.checkin", true)
	viper.SetDefault("edge.http.url", "http://localhost:8080")
	viper.SetDefault("edge.http.timeout", 5*time.Minute)
	viper.SetDefault("edge.sftp.port", 22)
	viper.SetDefault("edge.sftp.path", "/uploads")
	viper.SetDefault("edge.sftp.timeout", 30*time.Second)
	viper.SetDefault("edge.ftp.port", 21)
	viper.SetDefault("edge.ftp.path", "/uploads")
	viper.SetDefault("edge.ftp.timeout", 30*time.Second)
}
