package conf

const (
	DefaultSampleRate  = 48000
	DefaultMaxFileSize = 50 * 1024 * 1024

	EnvPrefix = "CENSUS"
)

const (
	DatabaseSQLite   = "sqlite"
	DatabaseMySQL    = "mysql"
	DatabasePostgres = "postgres"
)

const (
	ClassifierBirdNET = "birdnet"
	ClassifierRemote  = "remote"
	ClassifierStatic  = "static"
)

const (
	EdgeMethodHTTP = "http"
	EdgeMethodSFTP = "sftp"
	EdgeMethodFTP  = "ftp"
)
