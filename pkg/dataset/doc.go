// Package dataset holds the tabular payload stored inside sessions.
//
// The registry never interprets a Frame beyond its shape: adapters that
// persist or ship payloads only need NumRows, NumCols, Head and Dtypes.
package dataset
