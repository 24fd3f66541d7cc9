// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pubsub

// MatchFunc reports whether channel matches a subscription's pattern
// (spec.md §3: "pattern subscriptions use a match predicate supplied at
// subscribe time (glob by default)").
type MatchFunc func(pattern, channel []byte) bool

// GlobMatch is the default match predicate: '*' matches any run of bytes,
// '?' matches exactly one byte, and '[...]'/'[!...]' match a character
// class, following the shell-glob semantics facil.io uses for pattern
// channels (spec.md §3, §4.B).
func GlobMatch(pattern, channel []byte) bool {
	return globMatch(pattern, channel)
}

func globMatch(p, s []byte) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			for len(p) > 1 && p[1] == '*' {
				p = p[1:]
			}
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatch(p[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			s = s[1:]
			p = p[1:]
		case '[':
			if len(s) == 0 {
				return false
			}
			end := indexByte(p, ']')
			if end < 0 {
				// unterminated class: treat '[' literally
				if s[0] != '[' {
					return false
				}
				s = s[1:]
				p = p[1:]
				continue
			}
			class := p[1:end]
			negate := false
			if len(class) > 0 && class[0] == '!' {
				negate = true
				class = class[1:]
			}
			if matchClass(class, s[0]) == negate {
				return false
			}
			s = s[1:]
			p = p[end+1:]
		case '\\':
			if len(p) < 2 {
				return false
			}
			if len(s) == 0 || s[0] != p[1] {
				return false
			}
			s = s[1:]
			p = p[2:]
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
			s = s[1:]
			p = p[1:]
		}
	}
	return len(s) == 0
}

func matchClass(class []byte, b byte) bool {
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if class[i] <= b && b <= class[i+2] {
				return true
			}
			i += 2
			continue
		}
		if class[i] == b {
			return true
		}
	}
	return false
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// HasGlobMeta reports whether channel contains glob metacharacters, i.e.
// whether it should be routed into the pattern table rather than the exact
// table (spec.md GLOSSARY: "Pattern: a channel string containing glob
// metacharacters").
func HasGlobMeta(channel []byte) bool {
	for _, c := range channel {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}
