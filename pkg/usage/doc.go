// Package usage meters consumption of projects, teams, proposals and
// requests.
//
// A debit draws from the current subscription's quota first and then from
// credit purchases, oldest first. Each unit is also converted to credits at
// a fixed rate per resource. Debits are all-or-nothing: when the combined
// sources cannot cover the amount, nothing is written.
//
// Notices about exhausted quotas, used-up packages and aggregate thresholds
// are dispatched after the transaction commits and deduplicated per user.
package usage
