// Package raffle implements a self-operating raffle.
//
// Participants enter a round by paying at least the entrance fee. Once the
// configured interval has elapsed and the round has both players and a
// positive pool, any caller may close it. Closing asks a randomness oracle
// for a random word and moves the raffle into the calculating state, where
// entries are refused. When the oracle answers for the outstanding request,
// the winner is chosen as word mod len(participants), the whole pool is paid
// to them and a new round opens.
//
// All operations on a Raffle are serialised by one mutex. The round reset and
// the payout are applied under that lock, so no caller can observe a paid
// winner alongside the old participant list, or re-enter a finished round.
//
// Events are delivered to subscribers in commit order after the state lock
// has been released. Subscribers may call the read-only queries; they must
// not synchronously call Enter, PerformUpkeep or FulfillRandomWords.
package raffle
