// Package model defines shared data types used across the realtime client.
//
// Conventions:
//   - Money: shopspring/decimal, never float64
//   - Auction end times: Unix seconds (fractional allowed) as sent by the backend
//   - IDs: backend ids as ID (string or number on the wire); client message ids are UUIDs
package model
