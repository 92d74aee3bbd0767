// Package webhook ingests marketplace lifecycle notifications.
//
// Every message is authenticated with an HMAC-SHA256 signature bound to a
// timestamp before any parsing happens, checked against a freshness window to
// stop replays, and deduplicated by message ID through the ledger so redelivery
// runs each side effect at most once. Verified messages dispatch through a
// closed handler table; kinds without a handler are acknowledged and logged so
// the marketplace does not retry them forever.
package webhook
