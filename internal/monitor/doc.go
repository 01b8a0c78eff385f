// Package monitor defines the domain types shared by the fetchers, the state
// store, the diff engine, the notifier dispatch and the poll loop.
//
// A monitored Account publishes ContentItems of several Kinds (dynamics,
// videos, articles). Every item carries its Kind so a single pipeline handles
// all of them: Fetchers normalize upstream payloads into ContentItems, the
// diff engine filters out identifiers already recorded in the state store,
// and Notifiers deliver what remains.
package monitor
