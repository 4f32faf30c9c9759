// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package passticket generates and evaluates mainframe PassTickets and maps
// the platform return codes to HTTP outcomes.
package passticket

import "net/http"

// Code describes one (safRC, racfRC, racfRsn) return code triple of the
// platform PassTicket service.
type Code struct {
	SafRC   int
	RacfRC  int
	RacfRsn int
	Status  int
	Message string
}

// Unknown is returned by Lookup for triples that are not in the table.
var Unknown = Code{Status: http.StatusInternalServerError, Message: "unknown exception"}

var codes = []Code{
	{8, 8, 0, http.StatusInternalServerError, "Invalid function code specified."},
	{8, 8, 4, http.StatusInternalServerError, "Parameter list error."},
	{8, 8, 8, http.StatusInternalServerError, "An internal error was encountered."},
	{8, 8, 12, http.StatusInternalServerError, "A recovery environment could not be established."},
	{8, 8, 16, http.StatusForbidden, "Not authorized to use this service. Verify that the user and the application name are valid, and check that corresponding permissions have been set up."},
	{8, 8, 20, http.StatusInternalServerError, "High order bit was not set to indicate last parameter."},
	{8, 12, 8, http.StatusInternalServerError, "Invocation of the Security Server Network Authentication Service Program Call (PC) interface failed with a 'parameter buffer overflow' return code."},
	{8, 12, 12, http.StatusInternalServerError, "Invocation of the Security Server Network Authentication Service Program Call (PC) interface failed with an 'unable to allocate storage' return code."},
	{8, 12, 16, http.StatusServiceUnavailable, "Invocation of the Security Server Network Authentication Service Program Call (PC) interface failed with a 'local services are not available' return code."},
	{8, 12, 20, http.StatusInternalServerError, "Invocation of the Security Server Network Authentication Service Program Call (PC) interface failed with an 'abend in the PC service routine' return code."},
	{8, 12, 24, http.StatusServiceUnavailable, "Invocation of the Security Server Network Authentication Service Program Call (PC) interface failed with an 'unavailable' return code."},
	{8, 16, 28, http.StatusBadRequest, "Unable to generate PassTicket. Check PassTicket configuration."},
	{8, 16, 32, http.StatusForbidden, "The user is not authorized to generate a PassTicket for this application."},
	{8, 16, 36, http.StatusBadRequest, "The PassTicket key for the application is not defined."},
	{16, 28, 0, http.StatusUnauthorized, "PassTicket evaluation failed. The PassTicket is not valid."},
	{16, 32, 0, http.StatusUnauthorized, "PassTicket evaluation failed. The PassTicket was already used."},
}

type triple struct{ saf, racf, rsn int }

var byTriple = func() map[triple]Code {
	m := make(map[triple]Code, len(codes))
	for _, c := range codes {
		m[triple{c.SafRC, c.RacfRC, c.RacfRsn}] = c
	}
	return m
}()

// Lookup returns the code for an exact triple match, or Unknown.
func Lookup(safRC, racfRC, racfRsn int) Code {
	if c, ok := byTriple[triple{safRC, racfRC, racfRsn}]; ok {
		return c
	}
	u := Unknown
	u.SafRC, u.RacfRC, u.RacfRsn = safRC, racfRC, racfRsn
	return u
}

// Codes returns a copy of the known codes.
func Codes() []Code {
	out := make([]Code, len(codes))
	copy(out, codes)
	return out
}
