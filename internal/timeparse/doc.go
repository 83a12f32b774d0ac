// Package timeparse turns the informal date and time phrases people type
// into chat ("tomorrow at 2pm", "next friday", "in 3 hours") into absolute
// UTC instants.
//
// Resolution is a pure function of the expression, a reference instant and
// a time zone. Expressions that could mean more than one thing fail with a
// types.KindAmbiguousTime error instead of being guessed at.
package timeparse
