// Package metrics provides the Prometheus collectors of the census service.
package metrics

// Outcome label values shared by the collectors.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Datastore operation label values, taken from the GORM callback chain.
const (
	OpCreate = "create"
	OpQuery  = "query"
	OpUpdate = "update"
	OpDelete = "delete"
	OpRow    = "row"
	OpRaw    = "raw"
)

const namespace = "census"
