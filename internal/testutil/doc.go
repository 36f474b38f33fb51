// Package testutil provides testing utilities and fixtures for the consent
// broker: a controllable clock, a scripted token endpoint, failing random
// sources and test token pairs.
package testutil
