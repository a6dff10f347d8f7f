// Package metar decodes METAR aviation routine weather reports as published in
// NOAA station bulletins.
//
// # Bulletin Format
//
// NOAA serves one text file per station at
// https://tgftp.nws.noaa.gov/data/observations/metar/stations/{ICAO}.TXT:
//
//	2024/06/01 12:20
//	EHGR 011220Z 24008KT 9999 FEW020 18/12 Q1015
//
// The first line is the issuance timestamp; everything after the following
// whitespace is the report body. [ExtractEnvelope] splits the two.
//
// # Report Grammar
//
// The body is a sequence of whitespace-delimited groups. [Decoder] classifies
// each group, left to right, against a fixed list of rules. The first rule
// whose pattern matches and whose target is still unset takes the group:
//
//	EHGR      station (uppercase letters only)
//	011220Z   day 01, time 12:20 UTC
//	24008KT   wind from 240 degrees at 8 knots; VRB02KT is variable,
//	          27015G25KT gusts to 25
//	9999      visibility 9999 metres; 10SM is statute miles
//	18/12     temperature 18, dewpoint 12; M prefix is negative (M02/M05)
//	Q1015     QNH 1015 hPa; A2992 is 29.92 inches of mercury
//	FEW020    cloud layer, altitude in hundreds of feet (repeatable)
//	-SHRA     phenomena: intensity prefix plus 2-letter codes (repeatable)
//	CAVOK     ceiling and visibility OK
//
// Single-valued groups are first-match-wins: once the wind is set, a later
// token that looks like a wind group falls through to the next rules.
// Cloud layers and phenomena accumulate in the order they are seen. Groups
// that match nothing (RVR, trends, remarks) are skipped and reported in
// [Diagnostics].
package metar
