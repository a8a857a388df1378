// Package utils holds small helpers shared by the syftmirror commands and packages.
package utils
