// Package dice holds the game rules applied to certified operations: a
// pass-line / don't-pass craps variant over two dice.
//
// The rules are pure functions over immutable snapshots; they never do
// I/O and never mutate their input, which is what lets every node derive
// the identical post-state during voting and replay.
package dice
