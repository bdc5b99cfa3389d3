// Package identity is the Identity Store: Things, the Identities that
// authenticate them and the policies bound to them.
//
// Revocation takes effect for new sessions as soon as Revoke returns;
// open sessions learn about it through listeners registered with OnRevoke.
package identity
