// Package lockout implements the brute-force guard: a sliding-window
// failed-attempt counter and a timed lockout flag per identifier. Login
// flows run the same logic independently for the account email and for the
// request's network origin ("ip:<address>"), and reject when either budget
// is exhausted, bounding credential stuffing against one account and
// distributed guessing from one origin without conflating the two.
package lockout
