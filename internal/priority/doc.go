// Package priority turns an enqueue request into a scheduling decision.
//
// A decision starts from the static importance of the operation's tier and
// runs an ordered list of named rules, each adding a signed contribution.
// The breakdown is kept on the decision. Higher priority is more urgent;
// decisions at or above the dispatch threshold go to the interactive job
// class, the rest to the background class that the activity monitor pauses
// under load.
package priority
