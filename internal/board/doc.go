// Package board holds the shared state of the bulletin board: the message
// history of every board and the membership sets that gate access to them.
//
// The main components are:
//
//   - [History]: append-only, per-board message sequence with 1-based ids
//   - [Board]: one public board or private group, guarding its members and
//     history with its own mutex
//   - [Registry]: the fixed set of boards and every membership operation
//
// Each board has its own exclusion scope. Membership changes, history reads
// and the notifications they trigger happen inside that scope, so a joiner's
// history snapshot and the live notifications it receives afterwards never
// overlap or leave a gap. Operations touching more than one board acquire
// locks in rank order: the public board first, then groups in declaration
// order.
package board
