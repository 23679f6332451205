// Package vclock provides the vector clock used to order writes made
// independently at different replicas. Each replica only ever advances its
// own entry; comparing two clocks yields a partial order that tells whether
// one write causally precedes another or whether they are concurrent.
package vclock
