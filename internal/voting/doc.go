// Package voting implements how cluster instances agree on a new view of
// the cluster: which instances are members and which one leads.
//
// # Overview
//
// There is no coordinator. Every instance heartbeats into the shared
// store and periodically calls Handler.AnalyzeVotings. When an instance
// notices that the live instances differ from the established view it
// opens a voting proposing the live set as the new members. Every member
// then casts exactly one ballot on it, and once enough members voted yes
// the initiator promotes the voting to the new established view.
//
// # Records
//
//	voting/<votingId>               voting header (members, initiator, createdAt)
//	ballot/<votingId>/<instanceId>  one ballot per member, write-once
//	view/established                the current view
//	view/previous                   the view it replaced
//
// Ballots are separate records so instances never rewrite each other's
// data; CastBallot refuses a second ballot from the same instance.
//
// # Analysis Round
//
// AnalyzeVotings classifies every voting into one Detail:
//
//  1. TIMEDOUT: older than the vote timeout. The voting is removed.
//  2. PROMOTED / WINNING: the first voting, by id, that reaches quorum.
//     Its initiator promotes it, which also deletes every other voting.
//     Everyone else reports WINNING and votes no on the other votings.
//  3. VOTED_NO: the voting has a no vote already, or its members differ
//     from the instances this instance sees as live, or this instance
//     already picked another voting to support.
//  4. VOTED_YES: the lowest-id voting matching the local live view.
//  5. UNCHANGED: nothing new to do, typically because the local ballot
//     was cast in an earlier round.
//
// # Quorum
//
// With config.QuorumMajority a voting wins once more than half of its
// members voted yes; with config.QuorumUnanimous every member must vote
// yes. A single no vote means the voting can never win. Yes votes only
// count while the voter is live, so a voting can fall back from winning
// to pending when a voter stops heartbeating.
//
// # Promotion
//
// Only the initiator promotes, which makes the promoter a pure function
// of the voting. Store.Promote re-checks the tally inside the promoting
// transaction and refuses when the voting is gone or a newer view was
// already established, so redundant promotion attempts are harmless.
// The leader of the new view is the member with the lowest leader
// election id among the yes ballots.
package voting
