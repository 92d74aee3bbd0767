// Package config loads typed configuration structs from environment
// variables, with optional .env file support for local development.
//
// Each configuration type is parsed at most once per process and served from
// an in-memory cache afterwards, so every component can call Load for its own
// config struct without coordinating startup order.
package config
