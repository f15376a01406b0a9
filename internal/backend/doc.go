// Package backend implements reverse proxy endpoints for destination
// services. It provides connection tracking, health status, and the
// registry the distribution resolver queries for live availability.
package backend
