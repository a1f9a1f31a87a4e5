// Package dedupe drops repeats of keys seen within a time window.
package dedupe
