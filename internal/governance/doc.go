// Package governance holds the retry policy applied to outbound form fetches.
package governance
