// Package entities contains the GORM models of the census schema.
//
// Devices upload Recordings; the analysis pipeline turns each processed
// Recording into zero or more Analysis rows, one per (window, species) pair.
// Deleting a Recording deletes its Analyses. Devices are never hard deleted.
package entities
