// Package identity is warden's account subsystem.
//
// It owns account records (email, password hash, active flag, roles) and the
// lookup/write-back contract the session core consumes: FindBySubject,
// FindByEmail and UpdatePasswordHash. Registration and email verification
// are layered on top in Registrar.
package identity
