// Package util provides small string helpers shared by the HTTP surface and
// the command line.
//
// Key utilities:
//   - ParseScopes: splits a scope list given as space or comma separated text
//   - NormalizeURL: trims trailing slashes from configured endpoints
package util
