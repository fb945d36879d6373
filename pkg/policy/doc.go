// Package policy resolves policy keys into the rule sets a privacy request
// runs with.
//
// Policies come either from static configuration (Static) or from Rego
// modules evaluated by the Open Policy Agent (Resolver). Both implement
// Source, so the CLI and the executor do not care where a policy was
// authored. Resolved policies are cached per key and always handed out as
// copies.
package policy
