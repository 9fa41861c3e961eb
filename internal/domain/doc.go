// Package domain defines the data model, error taxonomy and collaborator
// interfaces shared by the ratchet core and its services. Types live in the
// types subpackage and contracts in interfaces; both are re-exported here.
package domain
